// Package api provides HTTP handlers for the wagate control surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hpratama/wagate/internal/store"
)

// Lifecycle is the slice of the session manager the handlers drive.
type Lifecycle interface {
	Create(ctx context.Context, sessionID string) error
	SendMessage(ctx context.Context, sessionID, recipient, body string) error
	Destroy(ctx context.Context, sessionID string) error
	Exists(sessionID string) bool
	WaitForQR(ctx context.Context, sessionID string) (string, error)
}

// Handler provides common handler utilities.
type Handler struct {
	mgr      Lifecycle
	registry store.Registry
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(mgr Lifecycle, registry store.Registry) *Handler {
	return &Handler{mgr: mgr, registry: registry}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
