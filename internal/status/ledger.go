// ABOUTME: Per-session delivery-status ledger with ack waiters and TTL sweep.
// ABOUTME: Terminal entries are folded into finalized counters and removed.

package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/socket"
)

// Sweep defaults. Entries that never see a terminal status are evicted
// once they are older than the TTL.
const (
	DefaultTTL           = 10 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

const statusCount = 6

type entry struct {
	status    socket.Status
	updatedAt time.Time
}

// final remembers the last status of a removed entry so an ack wait that
// starts after the message finalized still resolves immediately. Pruned
// by the sweep on the same TTL as live entries.
type final struct {
	status socket.Status
	at     time.Time
}

// waiter is a pending wait for the first status update on one message id.
// At most one waiter exists per id; concurrent WaitForAck calls for the
// same id share it. Resolution is idempotent.
type waiter struct {
	once   sync.Once
	done   chan struct{}
	timer  *time.Timer
	status socket.Status
	ok     bool
}

// Metrics is a point-in-time snapshot of ledger aggregates.
type Metrics struct {
	// InFlight is the live status distribution of tracked messages,
	// indexed by status code.
	InFlight [statusCount]int64 `json:"in_flight"`
	// Finalized counts entries removed from the ledger, indexed by the
	// last status they held.
	Finalized [statusCount]int64 `json:"finalized"`
	// Tracked is the number of live entries.
	Tracked int `json:"tracked"`

	AckSamples     int64 `json:"ack_samples"`
	AckLatencyAvg  int64 `json:"ack_latency_avg_ms"`
	AckLatencyLast int64 `json:"ack_latency_last_ms"`
}

// Ledger tracks delivery status for one session's outbound messages.
type Ledger struct {
	mu        sync.Mutex
	entries   map[string]*entry
	finals    map[string]*final
	ackSentAt map[string]time.Time
	waiters   map[string]*waiter

	inFlight  [statusCount]int64
	finalized [statusCount]int64

	latencyTotal   time.Duration
	latencySamples int64
	latencyLast    time.Duration

	ttl    time.Duration
	logger *slog.Logger

	done   chan struct{}
	closed bool

	now func() time.Time
}

// NewLedger creates a ledger and starts its background sweep. Pass zero
// durations for the defaults. Close must be called to stop the sweeper.
func NewLedger(ttl, sweepInterval time.Duration, logger *slog.Logger) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		entries:   make(map[string]*entry),
		finals:    make(map[string]*final),
		ackSentAt: make(map[string]time.Time),
		waiters:   make(map[string]*waiter),
		ttl:       ttl,
		logger:    logger.With("component", "status"),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	go l.sweepLoop(sweepInterval)
	return l
}

// Track registers a freshly dispatched message as pending and records the
// dispatch time for ack-latency measurement.
func (l *Ledger) Track(messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if prev, ok := l.entries[messageID]; ok {
		// Re-dispatch of a known id; keep the ledger consistent.
		l.inFlight[prev.status]--
	}
	l.entries[messageID] = &entry{status: socket.StatusPending, updatedAt: now}
	l.inFlight[socket.StatusPending]++
	l.ackSentAt[messageID] = now
	delete(l.finals, messageID)
}

// Update applies a status update from the socket. Updates below the
// currently stored status are ignored (monotonic policy) except for the
// terminal failure code, which always applies. The first update observed
// for an id resolves any pending waiter regardless of the policy outcome.
func (l *Ledger) Update(messageID string, st socket.Status) {
	if st < 0 || st >= statusCount {
		l.logger.Warn("ignoring out-of-range status", "message_id", messageID, "status", int(st))
		return
	}

	l.mu.Lock()

	if w, ok := l.waiters[messageID]; ok {
		delete(l.waiters, messageID)
		l.resolveWaiter(w, st, true)
	}

	e, tracked := l.entries[messageID]
	if !tracked {
		// Status for a message we no longer (or never) track: a late
		// update after eviction, or one sent before a restart.
		l.mu.Unlock()
		l.logger.Debug("status for untracked message", "message_id", messageID, "status", st.String())
		return
	}

	if st != socket.StatusFailed && st <= e.status {
		l.mu.Unlock()
		return
	}

	now := l.now()
	l.inFlight[e.status]--
	l.inFlight[st]++
	e.status = st
	e.updatedAt = now

	if st >= socket.StatusServerAck {
		if sentAt, ok := l.ackSentAt[messageID]; ok {
			sample := now.Sub(sentAt)
			l.latencyTotal += sample
			l.latencySamples++
			l.latencyLast = sample
			delete(l.ackSentAt, messageID)
		}
	}

	if st.Terminal() {
		l.removeLocked(messageID, e)
	}
	l.mu.Unlock()
}

// WaitForAck blocks until the first status update for messageID arrives,
// the timeout elapses, or ctx is cancelled. A status that was applied
// before the call started resolves immediately. The boolean is false
// when no update arrived in time; that is a normal outcome, not an
// error. Concurrent calls for the same id share one waiter and one timer.
func (l *Ledger) WaitForAck(ctx context.Context, messageID string, timeout time.Duration) (socket.Status, bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, false
	}
	if e, ok := l.entries[messageID]; ok && e.status != socket.StatusPending {
		st := e.status
		l.mu.Unlock()
		return st, true
	}
	// Entries the sweep evicted while still pending never saw an update;
	// those fall through to a fresh waiter.
	if f, ok := l.finals[messageID]; ok && f.status != socket.StatusPending {
		st := f.status
		l.mu.Unlock()
		return st, true
	}
	w, ok := l.waiters[messageID]
	if !ok {
		w = &waiter{done: make(chan struct{})}
		w.timer = time.AfterFunc(timeout, func() {
			l.expireWaiter(messageID, w)
		})
		l.waiters[messageID] = w
	}
	l.mu.Unlock()

	select {
	case <-w.done:
		return w.status, w.ok
	case <-ctx.Done():
		return 0, false
	}
}

// ResolveAllWaiters force-resolves every pending waiter as "no ack".
// Called when the owning session stops so no timer outlives it.
func (l *Ledger) ResolveAllWaiters() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, w := range l.waiters {
		delete(l.waiters, id)
		l.resolveWaiter(w, 0, false)
	}
}

// Snapshot returns current aggregate metrics.
func (l *Ledger) Snapshot() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := Metrics{
		InFlight:  l.inFlight,
		Finalized: l.finalized,
		Tracked:   len(l.entries),
	}
	m.AckSamples = l.latencySamples
	if l.latencySamples > 0 {
		m.AckLatencyAvg = (l.latencyTotal / time.Duration(l.latencySamples)).Milliseconds()
	}
	m.AckLatencyLast = l.latencyLast.Milliseconds()
	return m
}

// Status returns the current status of a tracked message.
func (l *Ledger) Status(messageID string) (socket.Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[messageID]
	if !ok {
		return 0, false
	}
	return e.status, true
}

// Sweep removes entries that are terminal or older than the TTL. It runs
// periodically in the background but is exported for deterministic tests.
func (l *Ledger) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.ttl)
	removed := 0
	for id, e := range l.entries {
		if e.status.Terminal() || e.updatedAt.Before(cutoff) {
			l.removeLocked(id, e)
			removed++
		}
	}
	for id, f := range l.finals {
		if f.at.Before(cutoff) {
			delete(l.finals, id)
		}
	}
	if removed > 0 {
		l.logger.Debug("status sweep evicted entries", "removed", removed, "remaining", len(l.entries))
	}
}

// Close stops the sweeper and resolves outstanding waiters. Safe to call
// more than once.
func (l *Ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	for id, w := range l.waiters {
		delete(l.waiters, id)
		l.resolveWaiter(w, 0, false)
	}
	l.mu.Unlock()
}

// removeLocked drops a ledger entry, folding its last status into the
// finalized counters. Must be called with mu held.
func (l *Ledger) removeLocked(id string, e *entry) {
	l.inFlight[e.status]--
	l.finalized[e.status]++
	l.finals[id] = &final{status: e.status, at: l.now()}
	delete(l.entries, id)
	delete(l.ackSentAt, id)
}

// resolveWaiter completes a waiter exactly once. Must be called after the
// waiter has been removed from the map (or while holding mu).
func (l *Ledger) resolveWaiter(w *waiter, st socket.Status, ok bool) {
	w.once.Do(func() {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.status = st
		w.ok = ok
		close(w.done)
	})
}

// expireWaiter is the timer callback for an ack wait that saw no update.
func (l *Ledger) expireWaiter(id string, w *waiter) {
	l.mu.Lock()
	if cur, ok := l.waiters[id]; ok && cur == w {
		delete(l.waiters, id)
	}
	l.mu.Unlock()
	l.resolveWaiter(w, 0, false)
}

func (l *Ledger) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.done:
			return
		}
	}
}
