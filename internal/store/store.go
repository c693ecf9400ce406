// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/hpratama/wagate/internal/domain"
)

// Registry defines the interface for persisting session-to-credential rows.
// It is the single source of truth for token/owner data; rows may outlive
// the in-memory client handle across process restarts.
type Registry interface {
	// Upsert inserts a row for the session identifier if absent. Token and
	// owner are populated later via UpdateCredentials.
	Upsert(ctx context.Context, sessionID string) error

	// UpdateCredentials sets the bearer token and owning user for an
	// existing row. Returns domain.ErrSessionNotFound if no row exists.
	UpdateCredentials(ctx context.Context, sessionID, token, ownerUserID string) error

	// Get retrieves a session row. Returns domain.ErrSessionNotFound if no
	// row exists.
	Get(ctx context.Context, sessionID string) (*domain.Session, error)

	// Delete removes a session row. Deleting an absent row is not an error.
	Delete(ctx context.Context, sessionID string) error

	// ListAll returns every persisted session identifier. Used by startup
	// recovery only.
	ListAll(ctx context.Context) ([]string, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
