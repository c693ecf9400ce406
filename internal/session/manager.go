// Package session implements the tenant session lifecycle manager: the
// in-memory table of live client handles, creation and recovery, corruption
// detection, and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"

	"github.com/hpratama/wagate/internal/credstore"
	"github.com/hpratama/wagate/internal/domain"
	"github.com/hpratama/wagate/internal/engine"
	"github.com/hpratama/wagate/internal/realtime"
	"github.com/hpratama/wagate/internal/store"
)

// DestroyAllSentinel is the identifier that requests a sweep of every
// session-scoped subtree on disk.
const DestroyAllSentinel = "all"

// Notifier is the outbound webhook surface the manager drives. All calls
// are fire-and-forget: failures are logged by the implementation and never
// reach the manager.
type Notifier interface {
	StoreChat(ctx context.Context, sessionID, sender, message string, timestamp time.Time)
	StoreQR(ctx context.Context, sessionID, qr string)
	UpdateQRStatus(ctx context.Context, sessionID, qrStatus string)
	UpdateSessionStatus(ctx context.Context, sessionID, sessionStatus string)
}

// Broadcaster fans lifecycle and message events out to observers.
type Broadcaster interface {
	Publish(ev realtime.Event)
}

// live is one tracked client handle with its pump cancellation.
type live struct {
	sessionID string
	client    engine.Client
	cancel    context.CancelFunc

	mu     sync.Mutex
	status domain.Status
}

func (l *live) setStatus(s domain.Status) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}

func (l *live) getStatus() domain.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Manager owns the in-memory session table and drives the lifecycle state
// machine. All client events funnel through dispatch, the single mutation
// entry point, so callbacks never race each other for one session.
type Manager struct {
	registry store.Registry
	creds    *credstore.Store
	engine   engine.Engine
	notifier Notifier
	hub      Broadcaster

	sendTimeout    time.Duration
	destroyTimeout time.Duration

	mu    sync.RWMutex
	table map[string]*live

	// Per-identifier creation/destruction locks. Serializes the
	// check-then-act sequence of Create against concurrent callers.
	locks sync.Map

	qrMu      sync.Mutex
	qrWaiters map[string][]chan string

	// renderQR controls operator-visible QR output on stdout.
	renderQR bool
}

// NewManager creates a session lifecycle manager.
func NewManager(registry store.Registry, creds *credstore.Store, eng engine.Engine, n Notifier, hub Broadcaster, sendTimeout, destroyTimeout time.Duration) *Manager {
	return &Manager{
		registry:       registry,
		creds:          creds,
		engine:         eng,
		notifier:       n,
		hub:            hub,
		sendTimeout:    sendTimeout,
		destroyTimeout: destroyTimeout,
		table:          make(map[string]*live),
		qrWaiters:      make(map[string][]chan string),
		renderQR:       true,
	}
}

// SetRenderQR toggles terminal QR rendering. Disabled in tests.
func (m *Manager) SetRenderQR(enabled bool) {
	m.renderQR = enabled
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (m *Manager) get(sessionID string) *live {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table[sessionID]
}

func (m *Manager) put(lv *live) {
	m.mu.Lock()
	m.table[lv.sessionID] = lv
	m.mu.Unlock()
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.table, sessionID)
	m.mu.Unlock()
}

// Exists reports whether a live handle is tracked for the identifier.
func (m *Manager) Exists(sessionID string) bool {
	return m.get(sessionID) != nil
}

// Status returns the lifecycle status of a tracked session.
func (m *Manager) Status(sessionID string) (domain.Status, bool) {
	lv := m.get(sessionID)
	if lv == nil {
		return "", false
	}
	return lv.getStatus(), true
}

// Create builds a live client for the session, or returns the existing one
// if it is healthy. An unhealthy existing handle is recycled: destroyed,
// its credentials purged, and a fresh client built in its place.
func (m *Manager) Create(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if existing := m.get(sessionID); existing != nil {
		if existing.client.Healthy(ctx) {
			slog.Info("Session already active", "session_id", sessionID)
			return nil
		}

		// Transport page is gone: the handle is corrupted. Recycle it.
		slog.Warn("Session handle corrupted, recycling", "session_id", sessionID)
		existing.setStatus(domain.StatusCorrupted)
		m.publishStatus(sessionID, domain.StatusCorrupted)

		m.closeLive(ctx, existing)
		m.remove(sessionID)

		if err := m.creds.Purge(sessionID); err != nil {
			slog.Error("Failed to purge credentials for corrupted session", "session_id", sessionID, "error", err)
		}
	}

	return m.buildFresh(ctx, sessionID)
}

// buildFresh constructs a new client. A resource-busy failure (credential
// files locked by a crashed predecessor) is recovered exactly once by
// purging the credentials and retrying; a second failure is terminal.
func (m *Manager) buildFresh(ctx context.Context, sessionID string) error {
	if err := m.registry.Upsert(ctx, sessionID); err != nil {
		return fmt.Errorf("persist session %s: %w", sessionID, err)
	}

	for attempt := 0; ; attempt++ {
		err := m.startClient(ctx, sessionID)
		if err == nil {
			return nil
		}

		if errors.Is(err, domain.ErrResourceBusy) && attempt == 0 {
			slog.Warn("Credential store busy, purging and retrying once",
				"session_id", sessionID, "error", err)
			if purgeErr := m.creds.Purge(sessionID); purgeErr != nil {
				slog.Error("Failed to purge busy credentials", "session_id", sessionID, "error", purgeErr)
			}
			continue
		}

		return fmt.Errorf("create session %s: %w", sessionID, err)
	}
}

func (m *Manager) startClient(ctx context.Context, sessionID string) error {
	authDir, err := m.creds.AuthDir(sessionID)
	if err != nil {
		return err
	}
	cacheDir, err := m.creds.CacheDir(sessionID)
	if err != nil {
		return err
	}

	cli, err := m.engine.NewClient(ctx, sessionID, authDir, cacheDir)
	if err != nil {
		return err
	}

	if err := cli.Start(ctx); err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	lv := &live{
		sessionID: sessionID,
		client:    cli,
		cancel:    cancel,
		status:    domain.StatusAwaitingQR,
	}
	m.put(lv)

	go m.pump(pumpCtx, lv)

	slog.Info("Session created", "session_id", sessionID)
	return nil
}

// pump forwards one client's events into dispatch. Events for a session are
// processed strictly in transport order.
func (m *Manager) pump(ctx context.Context, lv *live) {
	for {
		select {
		case ev, ok := <-lv.client.Events():
			if !ok {
				return
			}
			m.dispatch(ctx, lv, ev)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch is the single mutation entry point for client event callbacks.
func (m *Manager) dispatch(ctx context.Context, lv *live, ev engine.Event) {
	sessionID := lv.sessionID

	switch ev.Kind {
	case engine.EventQR:
		m.handleQR(ctx, lv, ev.QR)

	case engine.EventAuthenticated:
		lv.setStatus(domain.StatusAuthenticating)
		m.publishStatus(sessionID, domain.StatusAuthenticating)
		m.notifier.UpdateQRStatus(ctx, sessionID, "scanned")

	case engine.EventReady:
		lv.setStatus(domain.StatusReady)
		m.hub.Publish(realtime.Event{
			Type:      "ready",
			SessionID: sessionID,
			Data: map[string]any{
				"status":  string(domain.StatusReady),
				"message": fmt.Sprintf("Session %s is ready", sessionID),
			},
		})
		m.hub.Publish(realtime.Event{
			Type:      "session-ready",
			SessionID: sessionID,
			Data:      map[string]any{"status": string(domain.StatusReady)},
		})
		m.notifier.UpdateSessionStatus(ctx, sessionID, "active")
		slog.Info("Session ready", "session_id", sessionID)

	case engine.EventAuthFailure:
		// No automatic retry; the operator re-links via a fresh QR.
		slog.Error("Session authentication failed", "session_id", sessionID, "reason", ev.Reason)

	case engine.EventDisconnected:
		m.handleDisconnect(ctx, lv, ev.Reason)

	case engine.EventMessage:
		m.handleMessage(ctx, sessionID, ev)
	}
}

func (m *Manager) handleQR(ctx context.Context, lv *live, qr string) {
	sessionID := lv.sessionID
	lv.setStatus(domain.StatusAwaitingQR)

	slog.Info("QR code issued", "session_id", sessionID)
	if m.renderQR {
		qrterminal.GenerateHalfBlock(qr, qrterminal.L, os.Stdout)
	}

	m.hub.Publish(realtime.Event{
		Type:      "qr",
		SessionID: sessionID,
		Data:      map[string]any{"qr": qr},
	})

	if err := m.registry.Upsert(ctx, sessionID); err != nil {
		slog.Error("Failed to persist session on QR event", "session_id", sessionID, "error", err)
	}

	// Best effort: the token on file may still be empty at first link.
	m.notifier.StoreQR(ctx, sessionID, qr)

	m.wakeQRWaiters(sessionID, qr)
}

// handleDisconnect is terminal for the session unless Create is invoked
// again: the handle, registry row, and pump all go away. The mutation is
// guarded by the per-identifier lock plus a handle-identity check: a recycle
// may already have replaced this handle, and a stale one only closes itself.
func (m *Manager) handleDisconnect(ctx context.Context, lv *live, reason string) {
	sessionID := lv.sessionID
	slog.Warn("Session disconnected", "session_id", sessionID, "reason", reason)

	lv.setStatus(domain.StatusDisconnected)

	lock := m.lockFor(sessionID)
	lock.Lock()
	if m.get(sessionID) != lv {
		lock.Unlock()
		slog.Info("Disconnect arrived for a replaced handle", "session_id", sessionID)
		m.closeLive(context.Background(), lv)
		return
	}
	m.remove(sessionID)

	closeCtx, cancel := context.WithTimeout(context.Background(), m.destroyTimeout)
	if err := lv.client.Close(closeCtx); err != nil {
		slog.Warn("Failed to close disconnected client", "session_id", sessionID, "error", err)
	}
	cancel()

	if err := m.registry.Delete(ctx, sessionID); err != nil {
		slog.Error("Failed to delete registry row on disconnect", "session_id", sessionID, "error", err)
	}
	lock.Unlock()

	m.publishStatus(sessionID, domain.StatusDisconnected)
	m.notifier.UpdateSessionStatus(ctx, sessionID, "disconnected")

	// Stop the pump after the terminal transition is fully applied.
	lv.cancel()
}

func (m *Manager) handleMessage(ctx context.Context, sessionID string, ev engine.Event) {
	slog.Info("Inbound message", "session_id", sessionID, "from", ev.From)

	m.hub.Publish(realtime.Event{
		Type:      "message",
		SessionID: sessionID,
		Data: map[string]any{
			"phone": sessionID,
			"from":  ev.From,
			"body":  ev.Body,
		},
	})
	m.hub.Publish(realtime.Event{
		Type:      "new-message",
		SessionID: sessionID,
		Data: map[string]any{
			"from":      ev.From,
			"body":      ev.Body,
			"timestamp": ev.Timestamp.Unix(),
		},
	})

	m.notifier.StoreChat(ctx, sessionID, ev.From, ev.Body, ev.Timestamp)
}

func (m *Manager) publishStatus(sessionID string, status domain.Status) {
	m.hub.Publish(realtime.Event{
		Type:      "session-status",
		SessionID: sessionID,
		Data:      map[string]any{"status": string(status)},
	})
}

// SendMessage delivers a message through the session's live client. The
// recipient is normalized first; delivery is attempted at most once.
func (m *Manager) SendMessage(ctx context.Context, sessionID, recipient, body string) error {
	lv := m.get(sessionID)
	if lv == nil {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}

	addr, err := NormalizeRecipient(recipient)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	if err := lv.client.Send(sendCtx, addr, body); err != nil {
		if errors.Is(err, domain.ErrDeliveryFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}
	return nil
}

// Destroy tears down one session: graceful logout, handle release, registry
// row deletion, and credential/cache purge. With DestroyAllSentinel it
// sweeps every session-scoped subtree on disk regardless of the in-memory
// table.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	if sessionID == DestroyAllSentinel {
		return m.destroyAll(ctx)
	}

	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	lv := m.get(sessionID)
	if lv == nil {
		// No live handle: still purge any leftover persisted material.
		_, regErr := m.registry.Get(ctx, sessionID)
		if !m.creds.HasAuth(sessionID) && errors.Is(regErr, domain.ErrSessionNotFound) {
			return fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
		}
		return m.purgePersisted(ctx, sessionID)
	}

	lv.setStatus(domain.StatusDestroyed)
	m.logoutLive(ctx, lv)
	m.closeLive(ctx, lv)
	m.remove(sessionID)

	if err := m.purgePersisted(ctx, sessionID); err != nil {
		return err
	}

	m.publishStatus(sessionID, domain.StatusDestroyed)
	slog.Info("Session destroyed", "session_id", sessionID)
	return nil
}

// destroyAll closes every tracked handle, then purges every on-disk session
// subtree. Untracked sessions get no graceful logout; their material is
// removed anyway.
func (m *Manager) destroyAll(ctx context.Context) error {
	m.mu.Lock()
	tracked := make([]*live, 0, len(m.table))
	for _, lv := range m.table {
		tracked = append(tracked, lv)
	}
	m.table = make(map[string]*live)
	m.mu.Unlock()

	for _, lv := range tracked {
		lv.setStatus(domain.StatusDestroyed)
		m.logoutLive(ctx, lv)
		m.closeLive(ctx, lv)
	}

	ids, err := m.creds.PurgeAll()
	if err != nil {
		slog.Error("Failed to purge some session subtrees", "error", err)
	}

	for _, id := range ids {
		if err := m.registry.Delete(ctx, id); err != nil {
			slog.Error("Failed to delete registry row", "session_id", id, "error", err)
		}
	}
	for _, lv := range tracked {
		if err := m.registry.Delete(ctx, lv.sessionID); err != nil {
			slog.Error("Failed to delete registry row", "session_id", lv.sessionID, "error", err)
		}
	}

	slog.Info("All sessions destroyed", "swept", len(ids), "tracked", len(tracked))
	return nil
}

func (m *Manager) purgePersisted(ctx context.Context, sessionID string) error {
	if err := m.registry.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete registry row for %s: %w", sessionID, err)
	}
	if err := m.creds.Purge(sessionID); err != nil {
		// File deletion failures are logged by the store; non-fatal.
		slog.Warn("Credential purge incomplete", "session_id", sessionID, "error", err)
	}
	return nil
}

func (m *Manager) logoutLive(ctx context.Context, lv *live) {
	logoutCtx, cancel := context.WithTimeout(ctx, m.destroyTimeout)
	defer cancel()
	if err := lv.client.Logout(logoutCtx); err != nil {
		slog.Warn("Graceful logout failed", "session_id", lv.sessionID, "error", err)
	}
}

// closeLive cancels the session's pump before closing the client so that
// no late event callback can resurrect registry or in-memory state.
func (m *Manager) closeLive(ctx context.Context, lv *live) {
	lv.cancel()

	closeCtx, cancel := context.WithTimeout(ctx, m.destroyTimeout)
	defer cancel()
	if err := lv.client.Close(closeCtx); err != nil {
		slog.Warn("Failed to close client", "session_id", lv.sessionID, "error", err)
	}
}

// Recover re-creates every registry-listed session. Invoked once at
// startup; failures are logged per session and do not abort the rest.
func (m *Manager) Recover(ctx context.Context) error {
	ids, err := m.registry.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list sessions for recovery: %w", err)
	}

	for _, id := range ids {
		slog.Info("Recovering session", "session_id", id)
		if err := m.Create(ctx, id); err != nil {
			slog.Error("Failed to recover session", "session_id", id, "error", err)
		}
	}

	slog.Info("Session recovery complete", "count", len(ids))
	return nil
}

// WaitForQR blocks until the next QR event for the session or ctx expiry.
// Returns domain.ErrSessionNotFound if no live handle exists.
func (m *Manager) WaitForQR(ctx context.Context, sessionID string) (string, error) {
	if m.get(sessionID) == nil {
		return "", fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}

	ch := make(chan string, 1)
	m.qrMu.Lock()
	m.qrWaiters[sessionID] = append(m.qrWaiters[sessionID], ch)
	m.qrMu.Unlock()

	select {
	case qr := <-ch:
		return qr, nil
	case <-ctx.Done():
		m.dropQRWaiter(sessionID, ch)
		return "", fmt.Errorf("await qr for %s: %w", sessionID, ctx.Err())
	}
}

func (m *Manager) wakeQRWaiters(sessionID, qr string) {
	m.qrMu.Lock()
	waiters := m.qrWaiters[sessionID]
	delete(m.qrWaiters, sessionID)
	m.qrMu.Unlock()

	for _, ch := range waiters {
		ch <- qr
	}
}

func (m *Manager) dropQRWaiter(sessionID string, ch chan string) {
	m.qrMu.Lock()
	defer m.qrMu.Unlock()

	waiters := m.qrWaiters[sessionID]
	for i, w := range waiters {
		if w == ch {
			m.qrWaiters[sessionID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}
