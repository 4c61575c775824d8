// ABOUTME: Owns the session collection and its durable index.
// ABOUTME: Create/start/patch/delete lifecycle plus the admission-controlled send path.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatwire/chatwire/internal/admission"
	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/socket"
	"github.com/chatwire/chatwire/internal/status"
	"github.com/chatwire/chatwire/internal/store"
)

// DeleteOptions controls what Delete tears down besides the session itself.
type DeleteOptions struct {
	RemoveCredentials bool
	ForceLogout       bool
}

// SendResult reports a dispatched message and, when an ack wait was
// requested, the first status observed for it (nil when none arrived).
type SendResult struct {
	MessageID string         `json:"message_id"`
	AckStatus *socket.Status `json:"ack_status,omitempty"`
}

type sendOutcome struct {
	messageID string
	err       error
}

type sendRequest struct {
	ctx  context.Context
	msg  socket.Message
	resp chan sendOutcome
}

// Registry owns all sessions. It is constructed once at process start and
// passed to every component that needs it; there are no ambient singletons.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Supervisor

	store  store.Store
	events *broker.Broker
	dialer socket.Dialer
	cfg    Config
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(st store.Store, events *broker.Broker, dialer socket.Dialer, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Supervisor),
		store:    st,
		events:   events,
		dialer:   dialer,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "registry"),
	}
}

// Create registers a new session and starts it. The id is a slug of the
// name, or a generated one when the name is empty. The index entry is
// persisted before the call returns success.
func (r *Registry) Create(ctx context.Context, name, note string) (Snapshot, error) {
	if len(note) > r.cfg.NoteMaxLen {
		return Snapshot{}, ErrNoteTooLong
	}

	id := Slugify(name)
	if id == "" {
		id = "session-" + uuid.New().String()[:8]
	}
	if name == "" {
		name = id
	}

	// The durable index may hold sessions that are not loaded, for
	// example before StartAll ran; those ids are taken too.
	if _, err := r.store.GetInstance(ctx, id); err == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrInstanceExists, id)
	} else if !errors.Is(err, store.ErrInstanceNotFound) {
		return Snapshot{}, fmt.Errorf("checking instance index: %w", err)
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrInstanceExists, id)
	}
	sv := r.newSupervisorLocked(id, name, note, time.Now())
	r.sessions[id] = sv
	r.mu.Unlock()

	if err := r.persist(ctx, sv.sess); err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		r.destroy(sv)
		return Snapshot{}, fmt.Errorf("persisting instance: %w", err)
	}

	r.logger.Info("session created", "session_id", id, "name", name)
	go sv.connect(context.WithoutCancel(ctx))
	return sv.sess.Snapshot(), nil
}

// Start re-opens a previously registered session from durable credentials.
func (r *Registry) Start(ctx context.Context, id string) error {
	sv, err := r.supervisor(id)
	if err != nil {
		return err
	}
	return sv.resume(ctx)
}

// StartAll loads the index and starts every session best-effort: one
// session failing to start never prevents the others.
func (r *Registry) StartAll(ctx context.Context) error {
	recs, err := r.store.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("loading instance index: %w", err)
	}

	for _, rec := range recs {
		r.mu.Lock()
		sv, exists := r.sessions[rec.ID]
		if !exists {
			sv = r.newSupervisorLocked(rec.ID, rec.Name, rec.Note, rec.CreatedAt)
			sv.sess.updatedAt = rec.UpdatedAt
			r.sessions[rec.ID] = sv
		}
		r.mu.Unlock()

		if err := sv.resume(ctx); err != nil {
			r.logger.Error("starting session failed", "session_id", rec.ID, "error", err)
		}
	}
	return nil
}

// Get returns a session snapshot.
func (r *Registry) Get(id string) (Snapshot, error) {
	sv, err := r.supervisor(id)
	if err != nil {
		return Snapshot{}, err
	}
	return sv.sess.Snapshot(), nil
}

// List returns snapshots for every registered session, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, sv := range r.sessions {
		out = append(out, sv.sess.Snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Patch updates session metadata. A provided name must be non-empty and a
// note bounded; the index is persisted before success is reported.
func (r *Registry) Patch(ctx context.Context, id string, name, note *string) (Snapshot, error) {
	sv, err := r.supervisor(id)
	if err != nil {
		return Snapshot{}, err
	}

	if name != nil && strings.TrimSpace(*name) == "" {
		return Snapshot{}, ErrEmptyName
	}
	if note != nil && len(*note) > r.cfg.NoteMaxLen {
		return Snapshot{}, ErrNoteTooLong
	}

	s := sv.sess
	s.mu.Lock()
	if name != nil {
		s.name = *name
	}
	if note != nil {
		s.note = *note
	}
	s.updatedAt = time.Now()
	s.mu.Unlock()

	if err := r.persist(ctx, s); err != nil {
		return Snapshot{}, fmt.Errorf("persisting instance: %w", err)
	}
	return s.Snapshot(), nil
}

// Delete stops a session, optionally logs the socket out and erases its
// credentials, and removes it from the index. Unknown ids are an error.
func (r *Registry) Delete(ctx context.Context, id string, opts DeleteOptions) error {
	r.mu.Lock()
	sv, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	if opts.ForceLogout {
		if sock := sv.sess.currentSocket(); sock != nil {
			if err := sock.Logout(ctx); err != nil {
				r.logger.Warn("logout during delete failed", "session_id", id, "error", err)
			}
		}
	}

	r.destroy(sv)

	if opts.RemoveCredentials {
		if err := r.dialer.EraseCredentials(id); err != nil {
			r.logger.Warn("erasing credentials failed", "session_id", id, "error", err)
		}
	}

	if err := r.store.DeleteInstance(ctx, id); err != nil && err != store.ErrInstanceNotFound {
		return fmt.Errorf("deleting instance: %w", err)
	}

	r.logger.Info("session deleted", "session_id", id,
		"remove_credentials", opts.RemoveCredentials,
		"force_logout", opts.ForceLogout)
	return nil
}

// Stop halts a session's supervision without removing it from the index.
func (r *Registry) Stop(id string) error {
	sv, err := r.supervisor(id)
	if err != nil {
		return err
	}
	sv.stop()
	return nil
}

// Logout invalidates the session's platform credentials. The session
// stays registered; it needs a fresh pairing cycle to reconnect.
func (r *Registry) Logout(ctx context.Context, id string) error {
	sv, err := r.supervisor(id)
	if err != nil {
		return err
	}
	sock := sv.sess.currentSocket()
	if sock == nil {
		return socket.ErrNotConnected
	}
	return sock.Logout(ctx)
}

// Reset stops a session and wipes its credential storage so the next
// start begins a fresh pairing cycle.
func (r *Registry) Reset(ctx context.Context, id string) error {
	sv, err := r.supervisor(id)
	if err != nil {
		return err
	}
	sv.stop()
	if err := r.dialer.EraseCredentials(id); err != nil {
		return fmt.Errorf("erasing credentials: %w", err)
	}
	return nil
}

// Send validates and dispatches one message through the session's
// serialized send queue, subject to admission control. When waitAck is
// positive the call also waits up to that long for the first status
// observed on the dispatched message.
func (r *Registry) Send(ctx context.Context, id string, msg socket.Message, waitAck time.Duration) (*SendResult, error) {
	sv, err := r.supervisor(id)
	if err != nil {
		return nil, err
	}
	s := sv.sess

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	if !s.window.Allow() {
		return nil, fmt.Errorf("%w: session %s", ErrRateLimited, id)
	}

	req := sendRequest{ctx: ctx, msg: msg, resp: make(chan sendOutcome, 1)}
	select {
	case s.sendQueue <- req:
	case <-s.done:
		return nil, ErrSessionStopping
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var out sendOutcome
	select {
	case out = <-req.resp:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if out.err != nil {
		return nil, out.err
	}

	s.ledger.Track(out.messageID)
	r.events.Append(broker.TypeMessage, id, broker.DirectionOutbound, map[string]any{
		"message_id": out.messageID,
		"to":         msg.To,
		"kind":       string(msg.Kind),
	})

	result := &SendResult{MessageID: out.messageID}
	if waitAck > 0 {
		if st, ok := s.ledger.WaitForAck(ctx, out.messageID, waitAck); ok {
			result.AckStatus = &st
		}
	}
	return result, nil
}

// PairingCode asks the session's socket for a phone pairing code.
func (r *Registry) PairingCode(ctx context.Context, id, phone string) (string, error) {
	sv, err := r.supervisor(id)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(phone) == "" {
		return "", fmt.Errorf("%w: phone required", socket.ErrInvalidOptions)
	}
	sock := sv.sess.currentSocket()
	if sock == nil {
		return "", socket.ErrNotConnected
	}
	return sock.PairPhone(ctx, phone)
}

// QR returns the session's current unexpired challenge.
func (r *Registry) QR(id string) (challenge string, expiresAt time.Time, err error) {
	sv, err := r.supervisor(id)
	if err != nil {
		return "", time.Time{}, err
	}
	challenge, expiresAt, ok := sv.sess.currentQR(time.Now())
	if !ok {
		return "", time.Time{}, ErrNoActiveQR
	}
	return challenge, expiresAt, nil
}

// Metrics reports a session's delivery aggregates and admission state.
func (r *Registry) Metrics(id string) (Metrics, error) {
	sv, err := r.supervisor(id)
	if err != nil {
		return Metrics{}, err
	}
	s := sv.sess
	return Metrics{
		Status:        s.ledger.Snapshot(),
		RateOccupancy: s.window.Occupancy(),
		RateLimit:     s.window.Max(),
		State:         s.State(),
	}, nil
}

// Close stops every session. Used on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	svs := make([]*Supervisor, 0, len(r.sessions))
	for id, sv := range r.sessions {
		svs = append(svs, sv)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, sv := range svs {
		r.destroy(sv)
	}
}

func (r *Registry) supervisor(id string) (*Supervisor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sv, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return sv, nil
}

// newSupervisorLocked builds a session with its ledger, window, and send
// consumer. Caller holds r.mu.
func (r *Registry) newSupervisorLocked(id, name, note string, createdAt time.Time) *Supervisor {
	sess := &Session{
		ID:             id,
		name:           name,
		note:           note,
		createdAt:      createdAt,
		updatedAt:      createdAt,
		state:          StateClose,
		reconnectDelay: r.cfg.ReconnectStart,
		ledger:         status.NewLedger(r.cfg.StatusTTL, r.cfg.StatusSweep, r.logger),
		window:         admission.NewWindow(r.cfg.RateMax, r.cfg.RateWindow),
		sendQueue:      make(chan sendRequest, defaultSendQueueSize),
		done:           make(chan struct{}),
	}
	sv := newSupervisor(sess, r.dialer, r.events, r.cfg, r.logger)
	go r.sendLoop(sess)
	return sv
}

// sendLoop is the single consumer serializing socket writes for one
// session. It runs until the session is destroyed.
func (r *Registry) sendLoop(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case req := <-s.sendQueue:
			sock := s.currentSocket()
			if sock == nil {
				req.resp <- sendOutcome{err: socket.ErrNotConnected}
				continue
			}
			id, err := sock.Send(req.ctx, req.msg)
			req.resp <- sendOutcome{messageID: id, err: err}
		}
	}
}

// destroy stops supervision and releases the session's resources.
func (r *Registry) destroy(sv *Supervisor) {
	sv.stop()
	sv.sess.mu.Lock()
	if !sv.sess.closed {
		sv.sess.closed = true
		close(sv.sess.done)
	}
	sv.sess.mu.Unlock()
	sv.sess.ledger.Close()
}

func (r *Registry) persist(ctx context.Context, s *Session) error {
	s.mu.Lock()
	rec := &store.InstanceRecord{
		ID:        s.ID,
		Name:      s.name,
		Note:      s.note,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	s.mu.Unlock()
	return r.store.SaveInstance(ctx, rec)
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a session id from a display name.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
