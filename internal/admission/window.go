// ABOUTME: Sliding time-window admission check bounding sends per session.
// ABOUTME: Rejections are final; retry timing is the caller's responsibility.

package admission

import (
	"sync"
	"time"
)

// Defaults for the send admission window.
const (
	DefaultMax    = 20
	DefaultWindow = 15 * time.Second
)

// Window is a sliding-time-window counter. Timestamps older than the span
// are pruned lazily on each check. A Window is owned by one session.
type Window struct {
	mu    sync.Mutex
	max   int
	span  time.Duration
	sends []time.Time

	// now is swapped out in tests
	now func() time.Time
}

// NewWindow creates a window admitting at most max sends per span.
// Non-positive arguments fall back to the defaults.
func NewWindow(max int, span time.Duration) *Window {
	if max <= 0 {
		max = DefaultMax
	}
	if span <= 0 {
		span = DefaultWindow
	}
	return &Window{max: max, span: span, now: time.Now}
}

// Allow reports whether one more send is admitted right now, recording the
// send timestamp when it is. A false result records nothing.
func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)

	if len(w.sends) >= w.max {
		return false
	}
	w.sends = append(w.sends, now)
	return true
}

// Occupancy returns how many sends currently count against the window.
func (w *Window) Occupancy() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return len(w.sends)
}

// Max returns the window's admission limit.
func (w *Window) Max() int {
	return w.max
}

func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.sends) && !w.sends[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.sends = append(w.sends[:0], w.sends[i:]...)
	}
}
