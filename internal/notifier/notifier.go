// Package notifier performs outbound webhook calls to the backend
// application. Every call re-reads the session's bearer token from the
// registry immediately before posting, so a token rotated after session
// creation is always honored. Calls are at-most-once and non-blocking for
// the triggering event: any failure is logged and swallowed.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hpratama/wagate/internal/store"
)

// Notifier posts lifecycle and chat events to the backend application.
type Notifier struct {
	baseURL  string
	registry store.Registry
	client   *http.Client
}

// New creates a Notifier for the given backend base URL.
func New(baseURL string, registry store.Registry, timeout time.Duration) *Notifier {
	return &Notifier{
		baseURL:  strings.TrimRight(baseURL, "/"),
		registry: registry,
		client:   &http.Client{Timeout: timeout},
	}
}

// StoreChat forwards an inbound message to the backend.
func (n *Notifier) StoreChat(ctx context.Context, sessionID, sender, message string, timestamp time.Time) {
	n.post(ctx, sessionID, "/store-chat", map[string]any{
		"sender":    sender,
		"message":   message,
		"timestamp": timestamp.Unix(),
	})
}

// StoreQR forwards a freshly issued QR payload to the backend.
func (n *Notifier) StoreQR(ctx context.Context, sessionID, qr string) {
	n.post(ctx, sessionID, "/store-qr", map[string]any{
		"sessionId": sessionID,
		"qr":        qr,
	})
}

// UpdateQRStatus reports a QR scan-state change.
func (n *Notifier) UpdateQRStatus(ctx context.Context, sessionID, qrStatus string) {
	n.post(ctx, sessionID, "/update-qr-status", map[string]any{
		"sessionId": sessionID,
		"qr_status": qrStatus,
	})
}

// UpdateSessionStatus reports a session lifecycle change.
func (n *Notifier) UpdateSessionStatus(ctx context.Context, sessionID, sessionStatus string) {
	n.post(ctx, sessionID, "/update-session-status", map[string]any{
		"sessionId":      sessionID,
		"session_status": sessionStatus,
	})
}

func (n *Notifier) post(ctx context.Context, sessionID, path string, payload map[string]any) {
	if err := n.tryPost(ctx, sessionID, path, payload); err != nil {
		slog.Warn("Backend notification failed",
			"session_id", sessionID,
			"path", path,
			"error", err,
		)
	}
}

func (n *Notifier) tryPost(ctx context.Context, sessionID, path string, payload map[string]any) error {
	// Token may have changed since session creation; resolve it fresh.
	token := ""
	if row, err := n.registry.Get(ctx, sessionID); err == nil {
		token = row.BearerToken
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close response body", "path", path, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a little of the body for the log line; backends tend to
		// explain themselves in the first few hundred bytes.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return nil
}
