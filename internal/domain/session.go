// Package domain contains core domain types for the wagate gateway.
package domain

import (
	"time"
)

// Status describes the lifecycle state of a tenant session.
type Status string

const (
	StatusUninitialized  Status = "uninitialized"
	StatusAwaitingQR     Status = "awaiting_qr"
	StatusAuthenticating Status = "authenticating"
	StatusReady          Status = "ready"
	StatusDisconnected   Status = "disconnected"
	StatusCorrupted      Status = "corrupted"
	StatusDestroyed      Status = "destroyed"
)

// Session is the persisted registry row for one tenant.
//
// SessionID is an opaque tenant key. Callers may use a phone number as the
// key, but the gateway never interprets it as one.
type Session struct {
	SessionID   string    `json:"session_id"`
	BearerToken string    `json:"bearer_token,omitempty"`
	OwnerUserID string    `json:"owner_user_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasToken returns true if a bearer token has been assigned to the session.
func (s *Session) HasToken() bool {
	return s.BearerToken != ""
}
