// ABOUTME: Immutable sequenced event record and its webhook delivery sub-record.
// ABOUTME: Sequence numbers total-order all events across the gateway.

package broker

import "time"

// Direction classifies who originated an event.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionSystem   Direction = "system"
)

// Event types appended by the gateway.
const (
	TypeConnection = "connection"
	TypeQR         = "qr"
	TypeMessage    = "message"
	TypeStatus     = "status"
	TypeWebhook    = "webhook"
)

// DeliveryState is the webhook forwarding lifecycle for one event.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliveryRetry   DeliveryState = "retry"
	DeliverySuccess DeliveryState = "success"
	DeliveryFailed  DeliveryState = "failed"
)

// Delivery records the outcome of forwarding an event to the webhook URL.
// It is updated in place (under the broker lock) after every attempt.
type Delivery struct {
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	LastAttemptAt time.Time     `json:"last_attempt_at,omitzero"`
	LastStatus    int           `json:"last_status,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// Event is one immutable record in the log. Scope is the session id the
// event belongs to, or empty for gateway-global events. Payload must be
// JSON-serializable and is never mutated after append.
type Event struct {
	ID        string    `json:"id"`
	Sequence  int64     `json:"sequence"`
	Type      string    `json:"type"`
	Scope     string    `json:"scope,omitempty"`
	Direction Direction `json:"direction"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	Delivery  *Delivery `json:"delivery,omitempty"`
	Acked     bool      `json:"acked,omitempty"`
}
