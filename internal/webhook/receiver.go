// ABOUTME: Inbound webhook endpoint with signature verification and dedupe.
// ABOUTME: Mirrors the outbound signing contract in reverse.

package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// IdempotencyHeader carries the sender-chosen duplicate-detection key.
const IdempotencyHeader = "X-Idempotency-Key"

const maxInboundBody = 1 << 20 // 1 MiB

// InboundHandler processes one verified, deduplicated inbound body.
type InboundHandler func(r *http.Request, body []byte) error

// Receiver is the HTTP handler for inbound webhooks. With a secret
// configured every request must carry a valid signature; without one,
// signature checking is skipped.
type Receiver struct {
	secret  string
	replay  *ReplayCache
	handler InboundHandler
	logger  *slog.Logger
}

// NewReceiver creates a receiver deduplicating idempotency keys within
// window.
func NewReceiver(secret string, window time.Duration, handler InboundHandler, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		secret:  secret,
		replay:  NewReplayCache(window, 0),
		handler: handler,
		logger:  logger.With("component", "webhook_receiver"),
	}
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "reading body failed")
		return
	}

	if rc.secret != "" {
		if !Verify([]byte(rc.secret), body, r.Header.Get(SignatureHeader)) {
			rc.logger.Warn("rejected inbound webhook with bad signature", "remote", r.RemoteAddr)
			writeJSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	if key := r.Header.Get(IdempotencyHeader); key != "" && rc.replay.Seen(key) {
		rc.logger.Debug("duplicate inbound webhook skipped", "idempotency_key", key)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]bool{"duplicate": true})
		return
	}

	if err := rc.handler(r, body); err != nil {
		rc.logger.Error("inbound webhook handler failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
