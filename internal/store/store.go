// ABOUTME: Store interface and the records the gateway persists.
// ABOUTME: Session index mutations are written synchronously before success.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/chatwire/chatwire/internal/broker"
)

// ErrInstanceNotFound is returned when a session id is not in the index.
var ErrInstanceNotFound = errors.New("instance not found")

// InstanceRecord is the durable metadata for one registered session.
type InstanceRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the durable storage surface used by the registry and broker.
type Store interface {
	// SaveInstance upserts a session record.
	SaveInstance(ctx context.Context, rec *InstanceRecord) error
	// GetInstance returns ErrInstanceNotFound for unknown ids.
	GetInstance(ctx context.Context, id string) (*InstanceRecord, error)
	// ListInstances returns every registered session, oldest first.
	ListInstances(ctx context.Context) ([]*InstanceRecord, error)
	// DeleteInstance removes a session record and its mirrored events.
	DeleteInstance(ctx context.Context, id string) error

	// SaveEvent mirrors one broker event.
	SaveEvent(ctx context.Context, ev *broker.Event) error
	// RecentEvents returns mirrored events for a scope (empty matches
	// all), ascending by sequence, at most limit.
	RecentEvents(ctx context.Context, scope string, limit int) ([]*broker.Event, error)
	// PruneEvents keeps only the newest keep mirrored events.
	PruneEvents(ctx context.Context, keep int) error
	// LastEventSequence returns the highest mirrored sequence number, or
	// zero when the mirror is empty. Used to seed the broker on startup so
	// post-restart sequences continue after the mirrored ones.
	LastEventSequence(ctx context.Context) (int64, error)

	Close() error
}
