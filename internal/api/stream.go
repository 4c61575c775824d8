// ABOUTME: SSE event stream with Last-Event-ID resume and keepalive frames.
// ABOUTME: Also the batch ack endpoint; acks are bookkeeping, not replay cursors.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// AckRequest is the JSON request body for POST /events/ack.
type AckRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleAckEvents(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		s.sendJSONError(w, http.StatusBadRequest, "ids is required")
		return
	}

	acked := s.events.Ack(req.IDs)
	s.writeJSON(w, http.StatusOK, map[string]int{"acked": acked})
}

// handleEventStream serves the live event feed as SSE. A resuming client
// presents the last event id it saw, via the Last-Event-ID header or the
// last_event_id query parameter; the retained backlog after that id is
// replayed in order before live tailing begins. Keepalive comment frames
// go out on an interval so idle connections are distinguishable from dead
// ones. The subscription and its timer are torn down on every exit path.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}

	subID, ch := s.events.Subscribe(lastEventID)
	defer s.events.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	s.logger.Debug("event stream opened", "sub_id", subID, "resume_from", lastEventID)
	defer s.logger.Debug("event stream closed", "sub_id", subID)

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshaling stream event failed", "event_id", ev.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
			flusher.Flush()
		}
	}
}
