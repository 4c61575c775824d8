// ABOUTME: Tests for the connection state machine, backoff, and QR flow.
// ABOUTME: Uses compressed timers; the timing contract itself is asserted separately.

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/socket"
)

// fastConfig compresses supervision timing so tests run in milliseconds.
func fastConfig() Config {
	return Config{
		ReconnectStart: 10 * time.Millisecond,
		ReconnectCap:   40 * time.Millisecond,
		QRFirstTTL:     60 * time.Millisecond,
		QRNextTTL:      20 * time.Millisecond,
	}
}

func TestSupervisor_DefaultTimingContract(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 1000*time.Millisecond, cfg.ReconnectStart)
	assert.Equal(t, 30000*time.Millisecond, cfg.ReconnectCap)
	assert.Equal(t, 60000*time.Millisecond, cfg.QRFirstTTL)
	assert.Equal(t, 20000*time.Millisecond, cfg.QRNextTTL)
}

func TestSupervisor_ConnectTransitionsToOpen(t *testing.T) {
	f := newFixture(t, fastConfig())

	snap, err := f.registry.Create(context.Background(), "support-a", "")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		s, _ := f.registry.Get(snap.ID)
		return s.State == StateConnecting
	}, time.Second, time.Millisecond)

	f.dialer.Socket(snap.ID).EmitConnected()
	assert.Eventually(t, func() bool {
		s, _ := f.registry.Get(snap.ID)
		return s.State == StateOpen
	}, time.Second, time.Millisecond)
}

func TestSupervisor_UnexpectedCloseReconnectsWithDoubling(t *testing.T) {
	f := newFixture(t, fastConfig())
	id := f.openSession(t, "support-a")

	sv, err := f.registry.supervisor(id)
	require.NoError(t, err)

	f.dialer.Socket(id).EmitDisconnected("stream error", false)

	require.Eventually(t, func() bool {
		return f.dialer.DialCount(id) == 2
	}, time.Second, time.Millisecond, "reconnect never dialed")

	sv.sess.mu.Lock()
	delay := sv.sess.reconnectDelay
	sv.sess.mu.Unlock()
	assert.Equal(t, 20*time.Millisecond, delay, "delay doubled after scheduling")

	// Second drop before opening doubles again, capped later.
	f.dialer.Socket(id).EmitDisconnected("stream error", false)
	require.Eventually(t, func() bool {
		return f.dialer.DialCount(id) == 3
	}, time.Second, time.Millisecond)

	// A successful open resets the delay to the start value.
	f.dialer.Socket(id).EmitConnected()
	require.Eventually(t, func() bool {
		s, _ := f.registry.Get(id)
		return s.State == StateOpen
	}, time.Second, time.Millisecond)

	sv.sess.mu.Lock()
	delay = sv.sess.reconnectDelay
	sv.sess.mu.Unlock()
	assert.Equal(t, 10*time.Millisecond, delay)
}

func TestSupervisor_DelayNeverExceedsCap(t *testing.T) {
	f := newFixture(t, fastConfig())
	id := f.openSession(t, "support-a")
	sv, err := f.registry.supervisor(id)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		dials := f.dialer.DialCount(id)
		f.dialer.Socket(id).EmitDisconnected("flaky", false)
		require.Eventually(t, func() bool {
			return f.dialer.DialCount(id) == dials+1
		}, time.Second, time.Millisecond)
	}

	sv.sess.mu.Lock()
	delay := sv.sess.reconnectDelay
	sv.sess.mu.Unlock()
	assert.LessOrEqual(t, delay, 40*time.Millisecond)
}

func TestSupervisor_LogoutIsTerminal(t *testing.T) {
	f := newFixture(t, fastConfig())
	id := f.openSession(t, "support-a")

	dials := f.dialer.DialCount(id)
	f.dialer.Socket(id).EmitDisconnected("logged out", true)

	require.Eventually(t, func() bool {
		s, _ := f.registry.Get(id)
		return s.State == StateClose
	}, time.Second, time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, f.dialer.DialCount(id), "no auto-reconnect after logout")
}

func TestSupervisor_StopCancelsScheduledReconnect(t *testing.T) {
	f := newFixture(t, fastConfig())
	id := f.openSession(t, "support-a")

	f.dialer.Socket(id).EmitDisconnected("stream error", false)
	require.NoError(t, f.registry.Stop(id))

	dials := f.dialer.DialCount(id)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, f.dialer.DialCount(id), "stop must cancel the pending reconnect")
}

func TestSupervisor_GenerationGuardDiscardsStaleReconnect(t *testing.T) {
	f := newFixture(t, Config{
		ReconnectStart: 50 * time.Millisecond,
		ReconnectCap:   100 * time.Millisecond,
	})
	id := f.openSession(t, "support-a")

	// Drop schedules a reconnect in 50ms; a manual start supersedes it.
	f.dialer.Socket(id).EmitDisconnected("stream error", false)
	require.NoError(t, f.registry.Start(context.Background(), id))

	manualDials := f.dialer.DialCount(id)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, manualDials, f.dialer.DialCount(id),
		"stale scheduled reconnect must not race the manual reconnect")
}

func TestSupervisor_QRFirstChallenge(t *testing.T) {
	f := newFixture(t, Config{QRFirstTTL: time.Minute, QRNextTTL: 20 * time.Second})

	snap, err := f.registry.Create(context.Background(), "support-a", "")
	require.NoError(t, err)
	id := snap.ID
	require.Eventually(t, func() bool { return f.dialer.Socket(id) != nil }, time.Second, time.Millisecond)

	before := time.Now()
	f.dialer.Socket(id).EmitQR("challenge-1")

	require.Eventually(t, func() bool {
		s, _ := f.registry.Get(id)
		return s.QRVersion == 1
	}, time.Second, time.Millisecond)

	s, _ := f.registry.Get(id)
	assert.Equal(t, 1, s.PairingAttempts)
	ttl := s.QRExpiresAt.Sub(before)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 1.0, "version 1 gets the 60s TTL")

	challenge, _, err := f.registry.QR(id)
	require.NoError(t, err)
	assert.Equal(t, "challenge-1", challenge)

	// A qr event reached the broker.
	var qrEvents int
	for _, ev := range f.broker.Recent(id, 0) {
		if ev.Type == broker.TypeQR {
			qrEvents++
		}
	}
	assert.Equal(t, 1, qrEvents)
}

func TestSupervisor_QRVersionsAndShorterTTL(t *testing.T) {
	f := newFixture(t, Config{QRFirstTTL: time.Minute, QRNextTTL: 20 * time.Second})
	snap, err := f.registry.Create(context.Background(), "support-a", "")
	require.NoError(t, err)
	id := snap.ID
	require.Eventually(t, func() bool { return f.dialer.Socket(id) != nil }, time.Second, time.Millisecond)

	sock := f.dialer.Socket(id)
	sock.EmitQR("challenge-1")
	// Same challenge again is a no-op.
	sock.EmitQR("challenge-1")
	before := time.Now()
	sock.EmitQR("challenge-2")

	require.Eventually(t, func() bool {
		s, _ := f.registry.Get(id)
		return s.QRVersion == 2
	}, time.Second, time.Millisecond)

	s, _ := f.registry.Get(id)
	assert.Equal(t, 2, s.PairingAttempts)
	ttl := s.QRExpiresAt.Sub(before)
	assert.InDelta(t, (20 * time.Second).Seconds(), ttl.Seconds(), 1.0, "later versions get the 20s TTL")
}

func TestSupervisor_QRTimeoutOnExpiredChallenge(t *testing.T) {
	f := newFixture(t, Config{QRFirstTTL: 30 * time.Millisecond, QRNextTTL: 30 * time.Millisecond})
	snap, err := f.registry.Create(context.Background(), "support-a", "")
	require.NoError(t, err)
	id := snap.ID
	require.Eventually(t, func() bool { return f.dialer.Socket(id) != nil }, time.Second, time.Millisecond)

	f.dialer.Socket(id).EmitQR("challenge-1")

	require.Eventually(t, func() bool {
		s, _ := f.registry.Get(id)
		return s.State == StateQRTimeout
	}, time.Second, time.Millisecond)

	_, _, err = f.registry.QR(id)
	assert.ErrorIs(t, err, ErrNoActiveQR)
}

func TestSupervisor_QRExpiryIgnoredOnceOpen(t *testing.T) {
	f := newFixture(t, Config{QRFirstTTL: 30 * time.Millisecond})
	snap, err := f.registry.Create(context.Background(), "support-a", "")
	require.NoError(t, err)
	id := snap.ID
	require.Eventually(t, func() bool { return f.dialer.Socket(id) != nil }, time.Second, time.Millisecond)

	sock := f.dialer.Socket(id)
	sock.EmitQR("challenge-1")
	sock.EmitConnected()

	require.Eventually(t, func() bool {
		s, _ := f.registry.Get(id)
		return s.State == StateOpen
	}, time.Second, time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	s, _ := f.registry.Get(id)
	assert.Equal(t, StateOpen, s.State, "consumed challenge must not trigger qr_timeout")
}

func TestSupervisor_StatusEventsFeedLedgerAndBroker(t *testing.T) {
	f := newFixture(t, fastConfig())
	id := f.openSession(t, "support-a")

	res, err := f.registry.Send(context.Background(), id, textMsg("u1", "hi"), 0)
	require.NoError(t, err)

	f.dialer.Socket(id).EmitStatus(res.MessageID, socket.StatusDelivered)

	assert.Eventually(t, func() bool {
		m, err := f.registry.Metrics(id)
		return err == nil && m.Status.Finalized[socket.StatusDelivered] == 1
	}, time.Second, time.Millisecond)

	var statusEvents int
	for _, ev := range f.broker.Recent(id, 0) {
		if ev.Type == broker.TypeStatus {
			statusEvents++
		}
	}
	assert.Equal(t, 1, statusEvents)
}

func TestSupervisor_InboundMessagesAppendToBroker(t *testing.T) {
	f := newFixture(t, fastConfig())
	id := f.openSession(t, "support-a")

	f.dialer.Socket(id).Emit(socket.InboundMessageEvent{
		MessageID: "in-1",
		From:      "u9",
		Text:      "hello gateway",
		Timestamp: time.Now(),
	})

	assert.Eventually(t, func() bool {
		for _, ev := range f.broker.Recent(id, 0) {
			if ev.Type == broker.TypeMessage && ev.Direction == broker.DirectionInbound {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestSupervisor_ConnectionEventsAppended(t *testing.T) {
	f := newFixture(t, fastConfig())
	id := f.openSession(t, "support-a")

	var states []string
	for _, ev := range f.broker.Recent(id, 0) {
		if ev.Type == broker.TypeConnection {
			payload := ev.Payload.(map[string]any)
			states = append(states, payload["state"].(string))
		}
	}
	assert.Equal(t, []string{"connecting", "open"}, states)
}
