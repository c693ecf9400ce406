package engine

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/hpratama/wagate/internal/domain"
	"github.com/hpratama/wagate/internal/shared"
)

const (
	// Container configuration.
	containerNamePrefix = "wagate-"
	profileMountPath    = "/home/bridge/.wwebjs_auth"
	cacheMountPath      = "/home/bridge/.wwebjs_cache"
	stopTimeoutSecs     = 10

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB, headless Chromium is hungry
	cpuQuota         = 100000             // 1.0 CPU
	pidsLimit        = 512

	// Bridge handshake and send acknowledgement.
	handshakeTimeout = 45 * time.Second
	eventBufferSize  = 32

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond
)

// DockerEngine implements Engine by running one bridge container per
// session. The session's credential directory is bind-mounted as the
// browser profile so that purging it on the host wipes the login state.
type DockerEngine struct {
	cli     *client.Client
	image   string
	runtime string // Container runtime: "" = default (runc)
}

// NewDockerEngine creates a Docker-backed engine.
func NewDockerEngine(image, runtime string) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker engine initialized", "image", image)
	return &DockerEngine{cli: cli, image: image, runtime: runtime}, nil
}

// NewClient constructs an unstarted client handle for a session.
func (e *DockerEngine) NewClient(_ context.Context, sessionID, authDir, cacheDir string) (Client, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}
	return &dockerClient{
		sessionID: sessionID,
		authDir:   authDir,
		cacheDir:  cacheDir,
		image:     e.image,
		runtime:   e.runtime,
		cli:       e.cli,
		events:    make(chan Event, eventBufferSize),
		pending:   make(map[string]chan wireEvent),
	}, nil
}

// dockerClient is one live bridge container plus its attach stream.
type dockerClient struct {
	sessionID string
	authDir   string
	cacheDir  string
	image     string
	runtime   string
	cli       *client.Client

	containerID string
	conn        net.Conn
	reader      *bufio.Reader
	cancelLoop  context.CancelFunc
	loopStarted bool

	events chan Event

	pendingMu sync.Mutex
	pending   map[string]chan wireEvent

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Start creates and starts the bridge container, performs the protocol
// handshake, and begins pumping events.
func (c *dockerClient) Start(ctx context.Context) error {
	containerName := containerNamePrefix + c.sessionID

	// A lingering named container from a crashed process is stale and must
	// be recycled, never reattached.
	if inspect, err := c.cli.ContainerInspect(ctx, containerName); err == nil {
		slog.Info("Found stale bridge container, recreating",
			"container_id", inspect.ID,
			"session_id", c.sessionID,
		)
		if err := c.removeContainer(ctx, inspect.ID); err != nil {
			slog.Warn("Failed to remove stale container", "error", err, "container_id", inspect.ID)
		}
	}

	containerID, err := c.createContainer(ctx, containerName)
	if err != nil {
		return err
	}
	c.containerID = containerID

	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if removeErr := c.removeContainer(ctx, containerID); removeErr != nil {
			slog.Warn("Failed to remove container after start failure", "container_id", containerID, "error", removeErr)
		}
		return fmt.Errorf("start bridge container %s: %w", containerID, err)
	}

	attach, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		if removeErr := c.removeContainer(ctx, containerID); removeErr != nil {
			slog.Warn("Failed to remove container after attach failure", "container_id", containerID, "error", removeErr)
		}
		return fmt.Errorf("attach to bridge container %s: %w", containerID, err)
	}
	c.conn = attach.Conn
	c.reader = attach.Reader

	if err := c.handshake(ctx); err != nil {
		c.teardown(ctx)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancelLoop = cancel
	c.loopStarted = true
	go c.readLoop(loopCtx)

	slog.Info("Bridge container started", "container_id", containerID, "session_id", c.sessionID)
	return nil
}

func (c *dockerClient) createContainer(ctx context.Context, containerName string) (string, error) {
	config := &container.Config{
		Image:     c.image,
		Tty:       true,
		OpenStdin: true,
		Env:       []string{"WAGATE_SESSION_ID=" + c.sessionID},
	}

	hostConfig := &container.HostConfig{
		Runtime: c.runtime,
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: c.authDir, Target: profileMountPath},
			{Type: mount.TypeBind, Source: c.cacheDir, Target: cacheMountPath},
		},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = c.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			return resp.ID, nil
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create bridge container: %w", createErr)
		}

		// A delayed cleanup can leave the old named container briefly.
		slog.Warn("Container name conflict during create, retrying",
			"session_id", c.sessionID,
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)

		if inspect, inspectErr := c.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if removeErr := c.removeContainer(ctx, inspect.ID); removeErr != nil {
				slog.Warn("Failed to remove conflicting container before retry", "container_id", inspect.ID, "error", removeErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}

	// The name never freed up: another process still owns this session's
	// container, which is the same failure class as a locked profile.
	return "", fmt.Errorf("bridge container name %s still held: %w", containerName, domain.ErrResourceBusy)
}

// handshake reads protocol frames until the bridge reports init or busy.
// The bridge reports "busy" when the profile directory is locked by another
// client instance; a crashing bridge may instead dump a raw Chromium error,
// which is classified by message.
func (c *dockerClient) handshake(ctx context.Context) error {
	deadline := time.Now().Add(handshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("read bridge handshake: %w", err)
		}

		raw := trimLine(line)
		if len(raw) == 0 {
			continue
		}

		ev, err := decodeWireEvent(raw)
		if err != nil {
			if shared.IsProfileLockError(fmt.Errorf("%s", raw)) {
				return fmt.Errorf("bridge profile for %s locked: %w", c.sessionID, domain.ErrResourceBusy)
			}
			// Non-protocol startup noise from the bridge process.
			continue
		}

		switch ev.Event {
		case wireInit:
			if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
				return fmt.Errorf("clear handshake deadline: %w", err)
			}
			return nil
		case wireBusy:
			return fmt.Errorf("bridge profile for %s: %s: %w", c.sessionID, ev.Error, domain.ErrResourceBusy)
		default:
			// The bridge skipped the init frame; deliver whatever it sent.
			if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
				return fmt.Errorf("clear handshake deadline: %w", err)
			}
			if mapped, ok := toEvent(ev); ok {
				c.events <- mapped
			}
			return nil
		}
	}
}

func (c *dockerClient) readLoop(ctx context.Context) {
	defer close(c.events)

	scanner := bufio.NewScanner(c.reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := trimLine(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		ev, err := decodeWireEvent(line)
		if err != nil {
			// The bridge also writes plain log lines; skip them.
			slog.Debug("Skipping non-protocol bridge output", "session_id", c.sessionID)
			continue
		}

		if ev.Event == wireAck {
			c.resolveAck(ev)
			continue
		}

		mapped, ok := toEvent(ev)
		if !ok {
			continue
		}

		select {
		case c.events <- mapped:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("Bridge stream ended with error", "session_id", c.sessionID, "error", err)
	}
}

func (c *dockerClient) resolveAck(ev wireEvent) {
	c.pendingMu.Lock()
	ch, ok := c.pending[ev.ID]
	if ok {
		delete(c.pending, ev.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- ev
	}
}

// Send writes a send command and waits for the bridge acknowledgement.
func (c *dockerClient) Send(ctx context.Context, recipient, body string) error {
	id := uuid.NewString()
	ack := make(chan wireEvent, 1)

	c.pendingMu.Lock()
	c.pending[id] = ack
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeCommand(ctx, wireCommand{Cmd: cmdSend, ID: id, To: recipient, Body: body}); err != nil {
		return err
	}

	select {
	case ev := <-ack:
		if !ev.OK {
			return fmt.Errorf("%w: %s", domain.ErrDeliveryFailed, ev.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await send ack: %w", ctx.Err())
	}
}

func (c *dockerClient) writeCommand(ctx context.Context, cmd wireCommand) error {
	data, err := encodeWireCommand(cmd)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("bridge not attached")
	}

	// A wedged bridge can stop draining stdin; bound the write by the ctx.
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer func() {
			if err := c.conn.SetWriteDeadline(time.Time{}); err != nil {
				slog.Debug("Failed to clear write deadline", "session_id", c.sessionID, "error", err)
			}
		}()
	}

	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write bridge command: %w", err)
	}
	return nil
}

// Healthy probes whether the bridge container is still running. This is the
// lazy corruption check performed by the lifecycle manager on every create.
func (c *dockerClient) Healthy(ctx context.Context) bool {
	if c.containerID == "" {
		return false
	}
	inspect, err := c.cli.ContainerInspect(ctx, c.containerID)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Warn("Health probe failed", "container_id", c.containerID, "error", err)
		}
		return false
	}
	return inspect.State.Running
}

// Logout asks the bridge to unlink the session from the remote account.
// Best effort: a dead bridge cannot log out.
func (c *dockerClient) Logout(ctx context.Context) error {
	if err := c.writeCommand(ctx, wireCommand{Cmd: cmdLogout}); err != nil {
		return fmt.Errorf("logout session %s: %w", c.sessionID, err)
	}
	return nil
}

// Close tears down the attach stream and the container. Idempotent.
func (c *dockerClient) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		err = func() error {
			c.teardown(ctx)
			if !c.loopStarted {
				close(c.events)
			}
			return nil
		}()
	})
	return err
}

func (c *dockerClient) teardown(ctx context.Context) {
	if c.cancelLoop != nil {
		c.cancelLoop()
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			slog.Debug("Failed to close attach stream", "session_id", c.sessionID, "error", err)
		}
	}
	if c.containerID != "" {
		if err := c.removeContainer(ctx, c.containerID); err != nil {
			slog.Warn("Failed to remove bridge container", "container_id", c.containerID, "error", err)
		}
	}
}

// removeContainer stops and removes a container. It is idempotent and
// tolerates concurrent removal.
func (c *dockerClient) removeContainer(ctx context.Context, containerID string) error {
	if _, err := c.cli.ContainerInspect(ctx, containerID); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped", "container_id", containerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	return nil
}

func (c *dockerClient) Events() <-chan Event {
	return c.events
}

func trimLine(line []byte) []byte {
	return []byte(strings.TrimSpace(string(line)))
}

func ptr[T any](v T) *T {
	return &v
}
