// ABOUTME: TTL-bounded idempotency-key cache for inbound webhook dedupe.
// ABOUTME: Check-and-mark is atomic; capacity evicts oldest-inserted first.

package webhook

import (
	"sync"
	"time"
)

type replayEntry struct {
	key  string
	seen time.Time
}

// ReplayCache remembers idempotency keys for a bounded window so repeated
// deliveries of the same inbound webhook are recognized and skipped.
type ReplayCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	order   []replayEntry
	ttl     time.Duration
	maxSize int

	now func() time.Time
}

// NewReplayCache creates a cache holding keys for ttl, capped at maxSize
// entries (oldest evicted first).
func NewReplayCache(ttl time.Duration, maxSize int) *ReplayCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &ReplayCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen atomically checks whether key was recorded within the window,
// recording it when new. Returns true for a duplicate.
func (c *ReplayCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[key] = now
	c.order = append(c.order, replayEntry{key: key, seen: now})
	return false
}

// Len returns the number of live keys.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.seen)
}

func (c *ReplayCache) pruneLocked(now time.Time) {
	i := 0
	for i < len(c.order) && now.Sub(c.order[i].seen) >= c.ttl {
		// Only delete when the map entry still belongs to this insertion.
		if at, ok := c.seen[c.order[i].key]; ok && at.Equal(c.order[i].seen) {
			delete(c.seen, c.order[i].key)
		}
		i++
	}
	if i > 0 {
		c.order = append(c.order[:0], c.order[i:]...)
	}
}

func (c *ReplayCache) evictOldestLocked() {
	for len(c.order) > 0 {
		e := c.order[0]
		c.order = c.order[1:]
		if at, ok := c.seen[e.key]; ok && at.Equal(e.seen) {
			delete(c.seen, e.key)
			return
		}
	}
}
