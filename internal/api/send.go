// ABOUTME: Send handlers: one route per message kind, shared dispatch path.
// ABOUTME: waitAckMs opts into blocking for the first delivery status.

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/chatwire/chatwire/internal/socket"
)

// maxWaitAck bounds how long a send call may block on an ack.
const maxWaitAck = 60 * time.Second

// SendRequest is the JSON request body for POST /instances/{id}/send/{kind}.
// The kind path segment selects which payload fields are consulted.
type SendRequest struct {
	To      string               `json:"to"`
	Text    string               `json:"text,omitempty"`
	Buttons []socket.Button      `json:"buttons,omitempty"`
	List    []socket.ListSection `json:"list,omitempty"`
	Media   *socket.Media        `json:"media,omitempty"`
	Poll    *socket.Poll         `json:"poll,omitempty"`

	// WaitAckMs blocks the call up to this long for the first status
	// observed on the dispatched message. Zero returns immediately.
	WaitAckMs int `json:"waitAckMs,omitempty"`
}

var sendKinds = map[string]socket.MessageKind{
	"text":    socket.KindText,
	"buttons": socket.KindButtons,
	"list":    socket.KindList,
	"media":   socket.KindMedia,
	"poll":    socket.KindPoll,
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	kind, ok := sendKinds[r.PathValue("kind")]
	if !ok {
		s.sendJSONError(w, http.StatusNotFound, "unknown message kind "+strconv.Quote(r.PathValue("kind")))
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.WaitAckMs < 0 {
		s.sendJSONError(w, http.StatusBadRequest, "waitAckMs must not be negative")
		return
	}

	waitAck := time.Duration(req.WaitAckMs) * time.Millisecond
	if waitAck > maxWaitAck {
		waitAck = maxWaitAck
	}

	msg := socket.Message{
		To:      req.To,
		Kind:    kind,
		Text:    req.Text,
		Buttons: req.Buttons,
		List:    req.List,
		Media:   req.Media,
		Poll:    req.Poll,
	}

	res, err := s.registry.Send(r.Context(), r.PathValue("id"), msg, waitAck)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
