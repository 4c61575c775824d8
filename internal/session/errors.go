// ABOUTME: Sentinel errors for session lifecycle and send admission.
// ABOUTME: The API layer maps these onto HTTP status codes.

package session

import "errors"

var (
	// ErrInstanceExists is returned when creating a session whose derived
	// id is already registered.
	ErrInstanceExists = errors.New("instance_exists")

	// ErrInstanceNotFound is returned for operations on unknown ids.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrRateLimited is the admission rejection. It is final for the
	// attempt; retry timing is the caller's responsibility.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrSessionStopping is returned for operations on a session being
	// stopped or deleted.
	ErrSessionStopping = errors.New("session is stopping")

	// ErrNoActiveQR is returned when no unexpired QR challenge is held.
	ErrNoActiveQR = errors.New("no active qr challenge")

	// ErrEmptyName rejects a blank session name.
	ErrEmptyName = errors.New("name must not be empty")

	// ErrNoteTooLong rejects an over-long session note.
	ErrNoteTooLong = errors.New("note exceeds maximum length")
)
