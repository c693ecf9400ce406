// Package engine drives the headless browser-automation clients that hold
// each tenant's messaging connection. The production implementation runs one
// bridge container per session and speaks a line-delimited JSON protocol
// over the container's attach stream.
package engine

import (
	"context"
	"time"
)

// EventKind identifies a lifecycle or message event emitted by a client.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
)

// Event is a single client event. Fields beyond Kind are populated per kind:
// QR for EventQR, Reason for EventAuthFailure/EventDisconnected, and
// From/Body/Timestamp for EventMessage.
type Event struct {
	Kind      EventKind
	QR        string
	Reason    string
	From      string
	Body      string
	Timestamp time.Time
}

// Client is one live messaging-client handle. Events for a single client
// are delivered in transport order; no ordering holds across clients.
type Client interface {
	// Start brings up the underlying transport and begins emitting events.
	// Returns a wrapped domain.ErrResourceBusy when the session's profile
	// is locked by another client instance.
	Start(ctx context.Context) error

	// Send delivers a message to a normalized recipient address.
	Send(ctx context.Context, recipient, body string) error

	// Healthy probes whether the underlying transport is still alive.
	Healthy(ctx context.Context) bool

	// Logout gracefully unlinks the session from the remote account.
	Logout(ctx context.Context) error

	// Close tears down the transport and stops the event stream.
	Close(ctx context.Context) error

	// Events returns the client's event stream. The channel is closed when
	// the client shuts down.
	Events() <-chan Event
}

// Engine constructs client handles bound to per-session credential storage.
type Engine interface {
	NewClient(ctx context.Context, sessionID, authDir, cacheDir string) (Client, error)
}
