// ABOUTME: Instance lifecycle handlers: CRUD, pairing, QR, and metrics.
// ABOUTME: All domain logic lives in the session registry; this is transport.

package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/session"
)

// CreateInstanceRequest is the JSON request body for POST /instances.
type CreateInstanceRequest struct {
	Name string `json:"name"`
	Note string `json:"note,omitempty"`
}

// PatchInstanceRequest is the JSON request body for PATCH /instances/{id}.
// Absent fields are left unchanged.
type PatchInstanceRequest struct {
	Name *string `json:"name,omitempty"`
	Note *string `json:"note,omitempty"`
}

// PairRequest is the JSON request body for POST /instances/{id}/pair.
type PairRequest struct {
	Phone string `json:"phone"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	snap, err := s.registry.Create(r.Context(), req.Name, req.Note)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePatchInstance(w http.ResponseWriter, r *http.Request) {
	var req PatchInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	snap, err := s.registry.Patch(r.Context(), r.PathValue("id"), req.Name, req.Note)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	opts := session.DeleteOptions{
		RemoveCredentials: queryFlag(r, "removeCredentials"),
		ForceLogout:       queryFlag(r, "forceLogout"),
	}
	if err := s.registry.Delete(r.Context(), r.PathValue("id"), opts); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Start(r.Context(), r.PathValue("id")); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Stop(r.PathValue("id")); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Logout(r.Context(), r.PathValue("id")); err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"logged_out": true})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reset(r.Context(), r.PathValue("id")); err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

// handleQR renders the current pairing challenge as a PNG. An expired or
// absent challenge is 410 Gone, not 404: the resource existed but its
// window has passed.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	challenge, expiresAt, err := s.registry.QR(r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}

	png, err := qrcode.Encode(challenge, qrcode.Medium, 256)
	if err != nil {
		s.sendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-QR-Expires-At", expiresAt.UTC().Format(time.RFC3339))
	w.Write(png)
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	code, err := s.registry.PairingCode(r.Context(), r.PathValue("id"), req.Phone)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.registry.Metrics(r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

// handleInstanceEvents returns the retained event log for one session,
// oldest first, optionally limited by ?limit=N. The in-memory ring is
// merged with the store's mirror so history written before a restart
// stays visible.
func (s *Server) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.registry.Get(id); err != nil {
		s.sendError(w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	out := s.events.Recent(id, limit)
	if s.store != nil {
		mirrored, err := s.store.RecentEvents(r.Context(), id, limit)
		if err != nil {
			// The ring is the source of truth; serve it and move on.
			s.logger.Error("reading event mirror failed", "session_id", id, "error", err)
		} else {
			out = mergeEvents(out, mirrored, limit)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// mergeEvents folds mirrored events into the ring's view, preferring the
// ring copy when both hold the same event. Returns ascending sequence
// order, trimmed to the newest limit entries when limit is positive.
func mergeEvents(ring []broker.Event, mirrored []*broker.Event, limit int) []broker.Event {
	seen := make(map[string]bool, len(ring))
	for _, ev := range ring {
		seen[ev.ID] = true
	}
	out := ring
	for _, ev := range mirrored {
		if !seen[ev.ID] {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// queryFlag reads a boolean query parameter; a bare key counts as true.
func queryFlag(r *http.Request, name string) bool {
	if !r.URL.Query().Has(name) {
		return false
	}
	v := r.URL.Query().Get(name)
	return v == "" || v == "1" || v == "true"
}
