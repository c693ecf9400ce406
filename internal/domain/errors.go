package domain

import "errors"

// Sentinel errors surfaced across package boundaries. Callers classify with
// errors.Is; wrapped variants carry the underlying cause.
var (
	// ErrSessionNotFound indicates no live handle or registry row exists
	// for the requested session identifier.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidRecipient indicates the recipient could not be normalized
	// to a deliverable chat address.
	ErrInvalidRecipient = errors.New("invalid recipient")

	// ErrDeliveryFailed indicates the client accepted the send but the
	// underlying transport reported a failure. Never retried automatically.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrResourceBusy indicates the session's credential material is locked
	// by another (possibly crashed) client instance. Recoverable by purging
	// the credentials and rebuilding once.
	ErrResourceBusy = errors.New("resource busy")
)
