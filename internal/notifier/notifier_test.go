package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hpratama/wagate/internal/domain"
)

type stubRegistry struct {
	mu    sync.Mutex
	token string
	row   bool
}

func (s *stubRegistry) Upsert(context.Context, string) error                     { return nil }
func (s *stubRegistry) UpdateCredentials(context.Context, string, string, string) error { return nil }
func (s *stubRegistry) Delete(context.Context, string) error                     { return nil }
func (s *stubRegistry) ListAll(context.Context) ([]string, error)                { return nil, nil }
func (s *stubRegistry) Ping(context.Context) error                               { return nil }
func (s *stubRegistry) Close() error                                             { return nil }

func (s *stubRegistry) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.row {
		return nil, domain.ErrSessionNotFound
	}
	return &domain.Session{SessionID: sessionID, BearerToken: s.token}, nil
}

func (s *stubRegistry) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.row = true
	s.mu.Unlock()
}

type capturedRequest struct {
	path    string
	auth    string
	payload map[string]any
}

func captureBackend(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)

		mu.Lock()
		reqs = append(reqs, capturedRequest{
			path:    r.URL.Path,
			auth:    r.Header.Get("Authorization"),
			payload: payload,
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestStoreChatPayloadAndBearer(t *testing.T) {
	srv, requests := captureBackend(t, http.StatusOK)
	reg := &stubRegistry{}
	reg.setToken("tok-1")

	n := New(srv.URL, reg, time.Second)
	ts := time.Unix(1700000000, 0)
	n.StoreChat(context.Background(), "tenant-1", "628111@c.us", "hello", ts)

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	if reqs[0].path != "/store-chat" {
		t.Errorf("expected /store-chat, got %q", reqs[0].path)
	}
	if reqs[0].auth != "Bearer tok-1" {
		t.Errorf("expected bearer header, got %q", reqs[0].auth)
	}
	if reqs[0].payload["sender"] != "628111@c.us" || reqs[0].payload["message"] != "hello" {
		t.Errorf("unexpected payload %v", reqs[0].payload)
	}
	if reqs[0].payload["timestamp"] != float64(1700000000) {
		t.Errorf("expected unix timestamp, got %v", reqs[0].payload["timestamp"])
	}
}

func TestTokenResolvedFreshPerCall(t *testing.T) {
	srv, requests := captureBackend(t, http.StatusOK)
	reg := &stubRegistry{}
	n := New(srv.URL, reg, time.Second)
	ctx := context.Background()

	// No row yet: the call goes out unauthenticated.
	n.StoreQR(ctx, "tenant-1", "qr-1")

	reg.setToken("tok-rotated")
	n.UpdateSessionStatus(ctx, "tenant-1", "active")

	reqs := requests()
	if len(reqs) != 2 {
		t.Fatalf("expected two requests, got %d", len(reqs))
	}
	if reqs[0].auth != "" {
		t.Errorf("expected no bearer on first call, got %q", reqs[0].auth)
	}
	if reqs[1].auth != "Bearer tok-rotated" {
		t.Errorf("expected rotated token on second call, got %q", reqs[1].auth)
	}
}

func TestBackendErrorIsSwallowed(t *testing.T) {
	srv, requests := captureBackend(t, http.StatusInternalServerError)
	reg := &stubRegistry{}
	reg.setToken("tok")

	n := New(srv.URL, reg, time.Second)
	// Must not panic or block; failure is logged only.
	n.UpdateQRStatus(context.Background(), "tenant-1", "scanned")

	if got := len(requests()); got != 1 {
		t.Fatalf("expected exactly one attempt, got %d", got)
	}
}

func TestUnreachableBackendIsSwallowed(t *testing.T) {
	reg := &stubRegistry{}
	n := New("http://127.0.0.1:1", reg, 200*time.Millisecond)
	n.UpdateSessionStatus(context.Background(), "tenant-1", "disconnected")
}

func TestUpdateQRStatusPayload(t *testing.T) {
	srv, requests := captureBackend(t, http.StatusOK)
	n := New(srv.URL, &stubRegistry{}, time.Second)

	n.UpdateQRStatus(context.Background(), "tenant-1", "scanned")

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	if reqs[0].path != "/update-qr-status" {
		t.Errorf("expected /update-qr-status, got %q", reqs[0].path)
	}
	if reqs[0].payload["sessionId"] != "tenant-1" || reqs[0].payload["qr_status"] != "scanned" {
		t.Errorf("unexpected payload %v", reqs[0].payload)
	}
}
