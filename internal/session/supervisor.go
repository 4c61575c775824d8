// ABOUTME: Connection state machine for one session's socket.
// ABOUTME: Drives reconnect backoff, QR TTLs, and the generation guard.

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/socket"
)

// Supervisor owns one session's socket handle and drives its connection
// lifecycle. All session mutation funnels through here.
type Supervisor struct {
	sess   *Session
	dialer socket.Dialer
	events *broker.Broker
	cfg    Config
	logger *slog.Logger

	now func() time.Time
}

func newSupervisor(sess *Session, dialer socket.Dialer, events *broker.Broker, cfg Config, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		sess:   sess,
		dialer: dialer,
		events: events,
		cfg:    cfg,
		logger: logger.With("component", "supervisor", "session_id", sess.ID),
		now:    time.Now,
	}
}

// connect dials a fresh socket, advances the generation (invalidating any
// scheduled reconnect), and starts consuming its events.
func (sv *Supervisor) connect(ctx context.Context) error {
	s := sv.sess

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrSessionStopping
	}
	old := s.sock
	s.sock = nil
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	sv.appendConnection(StateConnecting, "")

	sock, err := sv.dialer.Dial(ctx, s.ID)
	if err != nil {
		sv.logger.Error("dialing socket failed", "error", err)
		sv.onDisconnected(gen, socket.DisconnectedEvent{Reason: err.Error()})
		return err
	}

	s.mu.Lock()
	if s.generation != gen || s.stopping {
		// Superseded while dialing.
		s.mu.Unlock()
		sock.Close()
		return ErrSessionStopping
	}
	s.sock = sock
	s.mu.Unlock()

	go sv.eventLoop(sock, gen)

	if err := sock.Connect(ctx); err != nil {
		sv.logger.Error("socket connect failed", "error", err)
		sv.onDisconnected(gen, socket.DisconnectedEvent{Reason: err.Error()})
		return err
	}
	return nil
}

// eventLoop consumes one socket's events until its channel closes. Events
// from a superseded socket generation are discarded.
func (sv *Supervisor) eventLoop(sock socket.Socket, gen int64) {
	for ev := range sock.Events() {
		if !sv.currentGeneration(gen) {
			return
		}
		switch e := ev.(type) {
		case socket.ConnectedEvent:
			sv.onConnected(gen)
		case socket.DisconnectedEvent:
			sv.onDisconnected(gen, e)
		case socket.QREvent:
			sv.onQR(gen, e)
		case socket.InboundMessageEvent:
			sv.onInbound(e)
		case socket.StatusEvent:
			sv.onStatus(e)
		}
	}
}

func (sv *Supervisor) currentGeneration(gen int64) bool {
	sv.sess.mu.Lock()
	defer sv.sess.mu.Unlock()
	return sv.sess.generation == gen
}

func (sv *Supervisor) onConnected(gen int64) {
	s := sv.sess
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateOpen
	s.lastError = ""
	s.reconnectDelay = sv.cfg.ReconnectStart
	if s.qrTimer != nil {
		s.qrTimer.Stop()
		s.qrTimer = nil
	}
	s.lastChallenge = ""
	s.mu.Unlock()

	sv.logger.Info("session open")
	sv.appendConnection(StateOpen, "")
}

func (sv *Supervisor) onDisconnected(gen int64, ev socket.DisconnectedEvent) {
	s := sv.sess
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateClose
	s.lastError = ev.Reason
	stopping := s.stopping
	s.mu.Unlock()

	sv.appendConnection(StateClose, ev.Reason)

	switch {
	case stopping:
		sv.logger.Info("session closed", "reason", ev.Reason)
	case ev.LoggedOut:
		// Terminal: the operator must pair again. No auto-reconnect.
		sv.logger.Warn("session logged out, reconnect suspended", "reason", ev.Reason)
	default:
		sv.scheduleReconnect(gen)
	}
}

// scheduleReconnect arms the backoff timer. The fired callback re-checks
// the generation so an attempt scheduled under a socket that has since
// been replaced is a no-op.
func (sv *Supervisor) scheduleReconnect(gen int64) {
	s := sv.sess
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	if s.reconnectDelay <= 0 {
		s.reconnectDelay = sv.cfg.ReconnectStart
	}
	delay := s.reconnectDelay
	if delay > sv.cfg.ReconnectCap {
		delay = sv.cfg.ReconnectCap
	}
	s.reconnectDelay = s.reconnectDelay * 2
	if s.reconnectDelay > sv.cfg.ReconnectCap {
		s.reconnectDelay = sv.cfg.ReconnectCap
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		if !sv.currentGeneration(gen) {
			sv.logger.Debug("discarding stale reconnect", "generation", gen)
			return
		}
		sv.logger.Info("reconnecting", "delay", delay)
		sv.connect(context.Background())
	})
	s.mu.Unlock()

	sv.logger.Info("reconnect scheduled", "delay", delay)
}

// onQR handles a fresh challenge. Re-presenting the same challenge is a
// no-op; a new one bumps the version, arms its expiry timer, and emits a
// qr event.
func (sv *Supervisor) onQR(gen int64, ev socket.QREvent) {
	s := sv.sess
	s.mu.Lock()
	if s.generation != gen || ev.Challenge == s.lastChallenge {
		s.mu.Unlock()
		return
	}
	s.lastChallenge = ev.Challenge
	s.qrVersion++
	version := s.qrVersion
	ttl := sv.cfg.QRNextTTL
	if version == 1 {
		ttl = sv.cfg.QRFirstTTL
	}
	s.qrExpiresAt = sv.now().Add(ttl)
	expiresAt := s.qrExpiresAt
	s.pairingAttempts++
	attempts := s.pairingAttempts
	if s.qrTimer != nil {
		s.qrTimer.Stop()
	}
	challenge := ev.Challenge
	s.qrTimer = time.AfterFunc(ttl, func() {
		sv.onQRExpired(challenge)
	})
	s.mu.Unlock()

	sv.logger.Info("qr challenge issued", "version", version, "ttl", ttl, "attempts", attempts)
	sv.events.Append(broker.TypeQR, s.ID, broker.DirectionSystem, map[string]any{
		"version":    version,
		"expires_at": expiresAt,
		"attempts":   attempts,
	})
}

// onQRExpired fires at a challenge's deadline. It only transitions the
// session when it is still waiting on that exact challenge.
func (sv *Supervisor) onQRExpired(challenge string) {
	s := sv.sess
	s.mu.Lock()
	if s.lastChallenge != challenge || s.state == StateOpen || s.stopping {
		s.mu.Unlock()
		return
	}
	s.state = StateQRTimeout
	s.mu.Unlock()

	sv.logger.Info("qr challenge expired")
	sv.appendConnection(StateQRTimeout, "qr challenge expired")
}

func (sv *Supervisor) onInbound(ev socket.InboundMessageEvent) {
	sv.events.Append(broker.TypeMessage, sv.sess.ID, broker.DirectionInbound, map[string]any{
		"message_id": ev.MessageID,
		"from":       ev.From,
		"text":       ev.Text,
		"timestamp":  ev.Timestamp,
	})
}

func (sv *Supervisor) onStatus(ev socket.StatusEvent) {
	sv.sess.ledger.Update(ev.MessageID, ev.Status)
	sv.events.Append(broker.TypeStatus, sv.sess.ID, broker.DirectionSystem, map[string]any{
		"message_id": ev.MessageID,
		"status":     int(ev.Status),
	})
}

// stop halts supervision: sets the stopping flag, advances the generation
// so armed timers become no-ops, cancels them, force-resolves pending ack
// waiters, and closes the socket.
func (sv *Supervisor) stop() {
	s := sv.sess
	s.mu.Lock()
	s.stopping = true
	s.generation++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.qrTimer != nil {
		s.qrTimer.Stop()
		s.qrTimer = nil
	}
	sock := s.sock
	s.sock = nil
	s.state = StateClose
	s.mu.Unlock()

	s.ledger.ResolveAllWaiters()
	if sock != nil {
		sock.Close()
	}
	sv.logger.Info("session stopped")
}

// resume clears the stopping flag and dials again from stored credentials.
func (sv *Supervisor) resume(ctx context.Context) error {
	s := sv.sess
	s.mu.Lock()
	s.stopping = false
	s.reconnectDelay = sv.cfg.ReconnectStart
	s.mu.Unlock()
	return sv.connect(ctx)
}

func (sv *Supervisor) appendConnection(state ConnectionState, reason string) {
	payload := map[string]any{"state": string(state)}
	if reason != "" {
		payload["reason"] = reason
	}
	sv.events.Append(broker.TypeConnection, sv.sess.ID, broker.DirectionSystem, payload)
}
