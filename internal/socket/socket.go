// ABOUTME: Socket and Dialer interfaces for the opaque platform connection.
// ABOUTME: Defines the event stream a connected socket delivers to its owner.

package socket

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by Send when the socket has no live connection.
var ErrNotConnected = errors.New("socket not connected")

// Socket is one live connection to the chat platform. Implementations own
// the wire protocol and encryption; the gateway only consumes events and
// issues commands. A Socket is single-use: once closed it is never reopened,
// the owner dials a fresh one instead.
type Socket interface {
	// Connect starts the connection handshake. Events (Connected, QR,
	// Disconnected, ...) arrive on Events once the handshake progresses.
	Connect(ctx context.Context) error

	// Send dispatches one outbound message and returns the platform
	// message id. Callers must serialize Send per socket.
	Send(ctx context.Context, msg Message) (string, error)

	// PairPhone requests a pairing code for the given phone number as an
	// alternative to scanning a QR challenge.
	PairPhone(ctx context.Context, phone string) (string, error)

	// Logout invalidates the session's credentials on the platform side.
	Logout(ctx context.Context) error

	// Events returns the socket's event channel. The channel is closed
	// when the socket is closed.
	Events() <-chan Event

	// Close tears the connection down without logging out.
	Close() error
}

// Dialer constructs sockets and owns per-session credential storage.
type Dialer interface {
	// Dial creates a socket for the session, loading any stored
	// credentials so a previously paired session reconnects silently.
	Dial(ctx context.Context, sessionID string) (Socket, error)

	// EraseCredentials removes the session's stored credential material.
	EraseCredentials(sessionID string) error
}

// Event is anything a socket reports to its owner.
type Event interface {
	isSocketEvent()
}

// ConnectedEvent signals the connection is open and authenticated.
type ConnectedEvent struct{}

// DisconnectedEvent signals the connection dropped. LoggedOut marks a
// deliberate platform-side logout, after which reconnecting is pointless
// until the operator pairs again.
type DisconnectedEvent struct {
	Reason    string
	LoggedOut bool
}

// QREvent carries a fresh pairing challenge to present to the end user.
type QREvent struct {
	Challenge string
}

// InboundMessageEvent is a message received from the platform.
type InboundMessageEvent struct {
	MessageID string
	From      string
	Text      string
	Timestamp time.Time
}

// StatusEvent is a delivery-status update for a previously sent message.
type StatusEvent struct {
	MessageID string
	Status    Status
}

func (ConnectedEvent) isSocketEvent()      {}
func (DisconnectedEvent) isSocketEvent()   {}
func (QREvent) isSocketEvent()             {}
func (InboundMessageEvent) isSocketEvent() {}
func (StatusEvent) isSocketEvent()         {}
