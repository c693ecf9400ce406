package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hpratama/wagate/internal/domain"
)

// SessionHandler handles session lifecycle and messaging endpoints.
type SessionHandler struct {
	*Handler
	qrWaitTimeout time.Duration
	createTimeout time.Duration
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler, qrWaitTimeout, createTimeout time.Duration) *SessionHandler {
	return &SessionHandler{Handler: base, qrWaitTimeout: qrWaitTimeout, createTimeout: createTimeout}
}

// RegisterRoutes registers the control surface routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/create-session", h.CreateSession)
		r.Post("/send-message", h.SendMessage)
		r.Get("/qr/{sessionID}", h.QR)
		r.Post("/delete", h.Delete)
		r.Get("/delete/{sessionID}", h.DeleteByPath)
		r.Put("/client/store", h.StoreClient)
	})
	r.Route("/sessions", func(r chi.Router) {
		r.Put("/{sessionID}", h.UpdateSession)
		r.Get("/{sessionID}", h.GetSession)
	})
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
	Phone     string `json:"phone"`
}

// CreateSession triggers asynchronous creation of a session. Idempotent:
// an already-active session returns 200 without rebuilding.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.Phone
	}
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	if h.mgr.Exists(sessionID) {
		JSON(w, http.StatusOK, map[string]string{
			"message": fmt.Sprintf("Session %s is already active", sessionID),
		})
		return
	}

	// Creation includes container startup and the QR handshake; run it
	// detached from the request.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.createTimeout)
		defer cancel()
		if err := h.mgr.Create(ctx, sessionID); err != nil {
			slog.Error("Async session creation failed", "session_id", sessionID, "error", err)
		}
	}()

	JSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Session %s is being created", sessionID),
	})
}

type sendMessageRequest struct {
	SessionID string `json:"sessionId"`
	Phone     string `json:"phone"`
	Number    string `json:"number"`
	Message   string `json:"message"`
}

// SendMessage delivers a message through a live session.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	recipient := req.Phone
	if recipient == "" {
		recipient = req.Number
	}
	if req.SessionID == "" || recipient == "" || req.Message == "" {
		Error(w, http.StatusBadRequest, "sessionId, phone and message are required")
		return
	}

	err := h.mgr.SendMessage(r.Context(), req.SessionID, recipient, req.Message)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{"status": "message sent"})
	case errors.Is(err, domain.ErrSessionNotFound):
		Error(w, http.StatusNotFound, fmt.Sprintf("session %s not found", req.SessionID))
	case errors.Is(err, domain.ErrInvalidRecipient):
		Error(w, http.StatusBadRequest, "invalid phone number, use format 62XXXXXXXXXX")
	default:
		slog.Error("Message delivery failed", "session_id", req.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to send message")
	}
}

// QR blocks until the next QR payload for the session is issued.
func (h *SessionHandler) QR(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	ctx, cancel := context.WithTimeout(r.Context(), h.qrWaitTimeout)
	defer cancel()

	qr, err := h.mgr.WaitForQR(ctx, sessionID)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{"qr": qr})
	case errors.Is(err, domain.ErrSessionNotFound):
		Error(w, http.StatusNotFound, fmt.Sprintf("session %s not found", sessionID))
	default:
		Error(w, http.StatusGatewayTimeout, "no QR issued before timeout")
	}
}

type deleteRequest struct {
	SessionID string `json:"sessionId"`
}

// Delete destroys a session, or every session with the "all" sentinel.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	h.destroy(w, r, req.SessionID)
}

// DeleteByPath is the GET equivalent of Delete.
func (h *SessionHandler) DeleteByPath(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	h.destroy(w, r, sessionID)
}

func (h *SessionHandler) destroy(w http.ResponseWriter, r *http.Request, sessionID string) {
	err := h.mgr.Destroy(r.Context(), sessionID)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{
			"message": fmt.Sprintf("Session %s deleted", sessionID),
		})
	case errors.Is(err, domain.ErrSessionNotFound):
		Error(w, http.StatusNotFound, fmt.Sprintf("session %s not found", sessionID))
	default:
		slog.Error("Session destroy failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
	}
}

type updateSessionRequest struct {
	BarrierToken string `json:"barrier_token"`
	UserID       any    `json:"user_id"`
}

// UpdateSession updates the registry row for an existing session.
func (h *SessionHandler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := h.registry.UpdateCredentials(r.Context(), sessionID, req.BarrierToken, asString(req.UserID))
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{"message": "session updated"})
	case errors.Is(err, domain.ErrSessionNotFound):
		Error(w, http.StatusNotFound, fmt.Sprintf("session %s not found", sessionID))
	default:
		slog.Error("Registry update failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update session")
	}
}

// GetSession returns the registry row for a session.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	row, err := h.registry.Get(r.Context(), sessionID)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, row)
	case errors.Is(err, domain.ErrSessionNotFound):
		Error(w, http.StatusNotFound, fmt.Sprintf("session %s not found", sessionID))
	default:
		slog.Error("Registry read failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read session")
	}
}

type storeClientRequest struct {
	Phone    string `json:"phone"`
	UserID   any    `json:"user_id"`
	APIToken string `json:"api_token"`
}

// StoreClient upserts a registry row with token and owner, then triggers
// session creation for the tenant.
func (h *SessionHandler) StoreClient(w http.ResponseWriter, r *http.Request) {
	var req storeClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Phone == "" {
		Error(w, http.StatusBadRequest, "phone is required")
		return
	}

	if err := h.registry.Upsert(r.Context(), req.Phone); err != nil {
		slog.Error("Registry upsert failed", "session_id", req.Phone, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store client")
		return
	}
	if err := h.registry.UpdateCredentials(r.Context(), req.Phone, req.APIToken, asString(req.UserID)); err != nil {
		slog.Error("Registry credential update failed", "session_id", req.Phone, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store client")
		return
	}

	if !h.mgr.Exists(req.Phone) {
		sessionID := req.Phone
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.createTimeout)
			defer cancel()
			if err := h.mgr.Create(ctx, sessionID); err != nil {
				slog.Error("Async session creation failed", "session_id", sessionID, "error", err)
			}
		}()
	}

	JSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Client %s stored", req.Phone),
	})
}

// asString renders a JSON value that may arrive as a string or a number.
func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return fmt.Sprintf("%.0f", val)
	default:
		return fmt.Sprint(val)
	}
}
