// ABOUTME: Bounded, sequenced event ring with pub/sub fan-out and replay.
// ABOUTME: Single writer of sequence numbers; drop-oldest beyond capacity.

package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultCapacity bounds the retained backlog.
	DefaultCapacity = 200

	// subscriberBufferSize is the extra headroom on each subscriber
	// channel beyond the replay backlog.
	subscriberBufferSize = 64
)

// Sink receives every appended event for durable mirroring. Sink failures
// are logged, never propagated: the in-memory log is the source of truth.
type Sink interface {
	SaveEvent(ctx context.Context, ev *Event) error
	PruneEvents(ctx context.Context, keep int) error
}

// Broker owns the event ring and is the single writer of sequence numbers.
type Broker struct {
	mu       sync.Mutex
	ring     []*Event
	index    map[string]*Event
	seq      int64
	capacity int
	subs     map[string]chan Event
	closed   bool

	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// New creates a broker retaining at most capacity events. Pass a nil sink
// to disable durable mirroring and a nil logger for the default.
func New(capacity int, sink Sink, logger *slog.Logger) *Broker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		ring:     make([]*Event, 0, capacity),
		index:    make(map[string]*Event),
		capacity: capacity,
		subs:     make(map[string]chan Event),
		sink:     sink,
		logger:   logger.With("component", "broker"),
		now:      time.Now,
	}
}

// SeedSequence advances the sequence counter so the next Append produces
// seq+1. Called at startup with the store's highest mirrored sequence;
// without it a restarted broker would re-issue sequence numbers the
// mirror already holds. Never moves the counter backwards.
func (b *Broker) SeedSequence(seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > b.seq {
		b.seq = seq
	}
}

// Append assigns the next sequence number and a unique id to the event,
// stores it in the ring (evicting the oldest beyond capacity), mirrors it
// to the sink, and fans it out to live subscribers. The returned copy is
// safe to retain.
func (b *Broker) Append(evType, scope string, dir Direction, payload any) Event {
	b.mu.Lock()

	b.seq++
	ev := &Event{
		ID:        uuid.New().String(),
		Sequence:  b.seq,
		Type:      evType,
		Scope:     scope,
		Direction: dir,
		Payload:   payload,
		CreatedAt: b.now(),
	}

	b.ring = append(b.ring, ev)
	b.index[ev.ID] = ev
	if len(b.ring) > b.capacity {
		evicted := b.ring[0]
		b.ring = b.ring[1:]
		delete(b.index, evicted.ID)
	}

	out := snapshot(ev)
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- out:
		default:
			b.logger.Debug("dropped event for slow subscriber", "event_id", out.ID, "sequence", out.Sequence)
		}
	}

	if b.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.sink.SaveEvent(ctx, &out); err != nil {
			b.logger.Error("mirroring event to store failed", "event_id", out.ID, "error", err)
		} else if err := b.sink.PruneEvents(ctx, b.capacity); err != nil {
			b.logger.Error("pruning event mirror failed", "error", err)
		}
	}

	return out
}

// Subscribe registers a live subscriber. When lastEventID names an event
// still in the backlog, every retained event with a greater sequence is
// queued on the channel, in order, before live events. An unknown or
// evicted id replays the whole retained backlog; an empty id replays
// nothing. Returns the subscription id for Unsubscribe.
func (b *Broker) Subscribe(lastEventID string) (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subID := uuid.New().String()
	ch := make(chan Event, b.capacity+subscriberBufferSize)

	if lastEventID != "" {
		after := int64(0)
		if ev, ok := b.index[lastEventID]; ok {
			after = ev.Sequence
		}
		for _, ev := range b.ring {
			if ev.Sequence > after {
				ch <- snapshot(ev)
			}
		}
	}

	if b.closed {
		close(ch)
		return subID, ch
	}
	b.subs[subID] = ch
	b.logger.Debug("subscriber added", "sub_id", subID, "resume_from", lastEventID)
	return subID, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subID]
	if !ok {
		return
	}
	delete(b.subs, subID)
	close(ch)
	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Ack marks a batch of event ids as acknowledged. Bookkeeping only: it
// never affects delivery or replay. Returns how many ids were found.
func (b *Broker) Ack(ids []string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	found := 0
	for _, id := range ids {
		if ev, ok := b.index[id]; ok {
			ev.Acked = true
			found++
		}
	}
	return found
}

// Recent returns up to limit retained events for a scope (empty scope
// matches everything), oldest first.
func (b *Broker) Recent(scope string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 || limit > len(b.ring) {
		limit = len(b.ring)
	}
	out := make([]Event, 0, limit)
	for i := len(b.ring) - 1; i >= 0 && len(out) < limit; i-- {
		ev := b.ring[i]
		if scope != "" && ev.Scope != scope {
			continue
		}
		out = append(out, snapshot(ev))
	}
	// Collected newest-first; reverse to sequence order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Lookup returns a copy of a retained event by id.
func (b *Broker) Lookup(id string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.index[id]
	if !ok {
		return Event{}, false
	}
	return snapshot(ev), true
}

// BeginDelivery attaches a pending delivery sub-record to a retained
// event. Reports false if the event was already evicted.
func (b *Broker) BeginDelivery(id string, maxAttempts int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.index[id]
	if !ok {
		return false
	}
	ev.Delivery = &Delivery{State: DeliveryPending, MaxAttempts: maxAttempts}
	return true
}

// UpdateDelivery mutates an event's delivery sub-record under the broker
// lock. Reports false if the event was evicted or has no delivery record.
func (b *Broker) UpdateDelivery(id string, fn func(*Delivery)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.index[id]
	if !ok || ev.Delivery == nil {
		return false
	}
	fn(ev.Delivery)
	return true
}

// Close tears down all subscriptions. Further appends still sequence but
// fan out to nobody.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.logger.Debug("broker closed")
}

// snapshot copies an event, including its delivery record, so readers
// never share mutable state with the ring.
func snapshot(ev *Event) Event {
	out := *ev
	if ev.Delivery != nil {
		d := *ev.Delivery
		out.Delivery = &d
	}
	return out
}
