// ABOUTME: Mutable per-session state and its read-only snapshot.
// ABOUTME: All fields are owned by the session's supervisor, guarded by mu.

package session

import (
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/admission"
	"github.com/chatwire/chatwire/internal/socket"
	"github.com/chatwire/chatwire/internal/status"
)

// ConnectionState is the session's connection lifecycle state.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClose      ConnectionState = "close"
	StateQRTimeout  ConnectionState = "qr_timeout"
)

// Session is the mutable state of one platform connection. Everything
// under mu is owned by the session's supervisor; other components read it
// only through Snapshot.
type Session struct {
	ID string

	mu        sync.Mutex
	name      string
	note      string
	createdAt time.Time
	updatedAt time.Time

	state     ConnectionState
	stopping  bool
	lastError string

	sock       socket.Socket
	generation int64

	reconnectDelay time.Duration
	reconnectTimer *time.Timer

	lastChallenge   string
	qrVersion       int
	qrExpiresAt     time.Time
	pairingAttempts int
	qrTimer         *time.Timer

	ledger *status.Ledger
	window *admission.Window

	sendQueue chan sendRequest
	done      chan struct{}
	closed    bool
}

// Snapshot is the externally visible view of a session.
type Snapshot struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Note            string          `json:"note,omitempty"`
	State           ConnectionState `json:"state"`
	Stopping        bool            `json:"stopping,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	QRVersion       int             `json:"qr_version,omitempty"`
	QRExpiresAt     time.Time       `json:"qr_expires_at,omitzero"`
	PairingAttempts int             `json:"pairing_attempts,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Metrics aggregates everything reported for one session.
type Metrics struct {
	Status        status.Metrics  `json:"status"`
	RateOccupancy int             `json:"rate_occupancy"`
	RateLimit     int             `json:"rate_limit"`
	State         ConnectionState `json:"state"`
}

// Snapshot returns a consistent copy of the session's visible state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:              s.ID,
		Name:            s.name,
		Note:            s.note,
		State:           s.state,
		Stopping:        s.stopping,
		LastError:       s.lastError,
		QRVersion:       s.qrVersion,
		QRExpiresAt:     s.qrExpiresAt,
		PairingAttempts: s.pairingAttempts,
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
	}
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ledger exposes the session's delivery-status ledger.
func (s *Session) Ledger() *status.Ledger {
	return s.ledger
}

// currentSocket returns the live socket, or nil when disconnected.
func (s *Session) currentSocket() socket.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock
}

// currentQR returns the unexpired challenge, if any.
func (s *Session) currentQR(now time.Time) (challenge string, expiresAt time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastChallenge == "" || now.After(s.qrExpiresAt) {
		return "", time.Time{}, false
	}
	return s.lastChallenge, s.qrExpiresAt, true
}
