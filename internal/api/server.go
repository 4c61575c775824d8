// ABOUTME: HTTP server wiring: routes, middleware, and error translation.
// ABOUTME: Handlers live in instances.go, send.go, and stream.go.

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatwire/chatwire/internal/auth"
	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/session"
	"github.com/chatwire/chatwire/internal/socket"
	"github.com/chatwire/chatwire/internal/store"
)

// DefaultKeepalive is the SSE keepalive comment interval.
const DefaultKeepalive = 15 * time.Second

// Server holds the handler dependencies. Construct with NewServer and
// mount Routes() on an http.Server.
type Server struct {
	registry  *session.Registry
	events    *broker.Broker
	store     store.Store
	inbound   http.Handler
	verifier  auth.TokenVerifier
	keepalive time.Duration
	logger    *slog.Logger
}

// NewServer creates the control-plane server. A nil verifier disables
// authentication; a nil inbound handler disables the webhook ingest
// route; a zero keepalive uses the default. The store backs the event
// log with mirrored history that predates the in-memory ring; nil
// serves the ring alone.
func NewServer(registry *session.Registry, events *broker.Broker, st store.Store, inbound http.Handler, verifier auth.TokenVerifier, keepalive time.Duration, logger *slog.Logger) *Server {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:  registry,
		events:    events,
		store:     st,
		inbound:   inbound,
		verifier:  verifier,
		keepalive: keepalive,
		logger:    logger.With("component", "api"),
	}
}

// Routes builds the route table. Everything except /health and the
// webhook ingest sits behind the auth middleware; the webhook route has
// its own signature check.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /instances", s.handleCreateInstance)
	mux.HandleFunc("GET /instances", s.handleListInstances)
	mux.HandleFunc("GET /instances/{id}", s.handleGetInstance)
	mux.HandleFunc("PATCH /instances/{id}", s.handlePatchInstance)
	mux.HandleFunc("DELETE /instances/{id}", s.handleDeleteInstance)

	mux.HandleFunc("GET /instances/{id}/qr", s.handleQR)
	mux.HandleFunc("POST /instances/{id}/pair", s.handlePair)
	mux.HandleFunc("POST /instances/{id}/start", s.handleStartInstance)
	mux.HandleFunc("POST /instances/{id}/stop", s.handleStopInstance)
	mux.HandleFunc("POST /instances/{id}/logout", s.handleLogout)
	mux.HandleFunc("POST /instances/{id}/reset", s.handleReset)

	mux.HandleFunc("POST /instances/{id}/send/{kind}", s.handleSend)
	mux.HandleFunc("GET /instances/{id}/metrics", s.handleMetrics)
	mux.HandleFunc("GET /instances/{id}/events", s.handleInstanceEvents)

	mux.HandleFunc("POST /events/ack", s.handleAckEvents)
	mux.HandleFunc("GET /events/stream", s.handleEventStream)

	protected := auth.Middleware(s.verifier)(mux)

	outer := http.NewServeMux()
	outer.HandleFunc("GET /health", s.handleHealth)
	if s.inbound != nil {
		outer.Handle("POST /webhook/inbound", s.inbound)
	}
	outer.Handle("/", protected)
	return outer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes a response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// sendError maps a domain error onto an HTTP status and writes it.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInstanceNotFound):
		s.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInstanceExists):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrRateLimited):
		s.sendJSONError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, session.ErrNoActiveQR):
		s.sendJSONError(w, http.StatusGone, err.Error())
	case errors.Is(err, session.ErrSessionStopping),
		errors.Is(err, socket.ErrNotConnected):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrEmptyName),
		errors.Is(err, session.ErrNoteTooLong),
		errors.Is(err, socket.ErrMissingRecipient),
		errors.Is(err, socket.ErrEmptyMessage),
		errors.Is(err, socket.ErrInvalidOptions):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
