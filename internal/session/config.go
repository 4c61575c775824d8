// ABOUTME: Tunables for session supervision, admission, and status tracking.
// ABOUTME: Zero values fall back to the documented defaults.

package session

import (
	"time"

	"github.com/chatwire/chatwire/internal/admission"
	"github.com/chatwire/chatwire/internal/status"
)

// Default timing contract. These values are depended on by consumers.
const (
	DefaultReconnectStart = 1000 * time.Millisecond
	DefaultReconnectCap   = 30000 * time.Millisecond
	DefaultQRFirstTTL     = 60000 * time.Millisecond
	DefaultQRNextTTL      = 20000 * time.Millisecond
	DefaultNoteMaxLen     = 512
	defaultSendQueueSize  = 32
)

// Config carries the per-session tunables the Registry hands to every
// supervisor it creates.
type Config struct {
	ReconnectStart time.Duration
	ReconnectCap   time.Duration
	QRFirstTTL     time.Duration
	QRNextTTL      time.Duration

	RateMax    int
	RateWindow time.Duration

	StatusTTL   time.Duration
	StatusSweep time.Duration

	NoteMaxLen int
}

// withDefaults fills zero fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.ReconnectStart <= 0 {
		c.ReconnectStart = DefaultReconnectStart
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = DefaultReconnectCap
	}
	if c.QRFirstTTL <= 0 {
		c.QRFirstTTL = DefaultQRFirstTTL
	}
	if c.QRNextTTL <= 0 {
		c.QRNextTTL = DefaultQRNextTTL
	}
	if c.RateMax <= 0 {
		c.RateMax = admission.DefaultMax
	}
	if c.RateWindow <= 0 {
		c.RateWindow = admission.DefaultWindow
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = status.DefaultTTL
	}
	if c.StatusSweep <= 0 {
		c.StatusSweep = status.DefaultSweepInterval
	}
	if c.NoteMaxLen <= 0 {
		c.NoteMaxLen = DefaultNoteMaxLen
	}
	return c
}
