// ABOUTME: Delivery status ladder for outbound messages.
// ABOUTME: Numeric codes are a wire contract consumed by external dashboards.

package socket

// Status is the delivery-confirmation code for one outbound message.
// The numeric values are depended on by API consumers and must not change.
type Status int

const (
	StatusFailed    Status = 0 // terminal error
	StatusPending   Status = 1 // sent, not yet acknowledged
	StatusServerAck Status = 2 // accepted by the platform server
	StatusDelivered Status = 3 // reached the recipient device
	StatusRead      Status = 4 // read receipt
	StatusPlayed    Status = 5 // voice/video playback receipt
)

// Terminal reports whether no further status updates are expected.
func (s Status) Terminal() bool {
	return s == StatusFailed || s >= StatusDelivered
}

// String returns a human-readable name for logging.
func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusPending:
		return "pending"
	case StatusServerAck:
		return "server_ack"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusPlayed:
		return "played"
	default:
		return "unknown"
	}
}
