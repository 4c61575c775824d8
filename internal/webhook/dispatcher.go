// ABOUTME: At-least-once webhook delivery consuming broker events.
// ABOUTME: Retries with incremental backoff, writing outcomes onto the event.

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatwire/chatwire/internal/broker"
)

// Dispatcher defaults.
const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 2 * time.Second
	requestTimeout     = 10 * time.Second
)

// Config selects where and how events are forwarded.
type Config struct {
	// URL is the receiver endpoint. An empty URL disables the dispatcher.
	URL string
	// Secret signs every outbound body. Empty disables signing.
	Secret string
	// MaxAttempts bounds delivery retries per event.
	MaxAttempts int
	// Backoff is the base delay between attempts; attempt n waits n*Backoff.
	Backoff time.Duration
	// EventTypes filters which event types are forwarded. Empty means all.
	EventTypes []string
}

// Dispatcher consumes broker events and POSTs them to the configured URL.
// Run one Dispatcher per gateway process.
type Dispatcher struct {
	cfg    Config
	broker *broker.Broker
	client *http.Client
	types  map[string]bool
	logger *slog.Logger

	// sleep is swapped out in tests to avoid real backoff waits
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher. Zero-value config fields fall back
// to the defaults.
func NewDispatcher(cfg Config, b *broker.Broker, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	var types map[string]bool
	if len(cfg.EventTypes) > 0 {
		types = make(map[string]bool, len(cfg.EventTypes))
		for _, t := range cfg.EventTypes {
			types[t] = true
		}
	}
	return &Dispatcher{
		cfg:    cfg,
		broker: b,
		client: &http.Client{Timeout: requestTimeout},
		types:  types,
		logger: logger.With("component", "webhook"),
		sleep:  sleepCtx,
	}
}

// Run subscribes to the broker and delivers events until ctx is cancelled.
// It blocks; call it in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.cfg.URL == "" {
		d.logger.Info("webhook delivery disabled, no url configured")
		return
	}

	subID, ch := d.broker.Subscribe("")
	defer d.broker.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !d.wants(ev) {
				continue
			}
			d.Deliver(ctx, ev)
		}
	}
}

// wants reports whether an event is tagged for external delivery.
// Webhook-outcome events are never forwarded, that would recurse.
func (d *Dispatcher) wants(ev broker.Event) bool {
	if ev.Type == broker.TypeWebhook {
		return false
	}
	if d.types != nil && !d.types[ev.Type] {
		return false
	}
	return true
}

// Deliver POSTs one event, retrying up to MaxAttempts with incremental
// backoff. Every attempt updates the event's delivery sub-record; the
// final state is success or terminal failed.
func (d *Dispatcher) Deliver(ctx context.Context, ev broker.Event) {
	if !d.broker.BeginDelivery(ev.ID, d.cfg.MaxAttempts) {
		d.logger.Debug("event evicted before delivery", "event_id", ev.ID)
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		d.broker.UpdateDelivery(ev.ID, func(del *broker.Delivery) {
			del.State = broker.DeliveryFailed
			del.LastError = fmt.Sprintf("encoding event: %v", err)
		})
		d.logger.Error("encoding webhook body failed", "event_id", ev.ID, "error", err)
		return
	}

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		httpStatus, err := d.post(ctx, body)

		if err == nil && httpStatus >= 200 && httpStatus < 300 {
			d.broker.UpdateDelivery(ev.ID, func(del *broker.Delivery) {
				del.State = broker.DeliverySuccess
				del.Attempts = attempt
				del.LastAttemptAt = time.Now()
				del.LastStatus = httpStatus
				del.LastError = ""
			})
			d.logger.Debug("webhook delivered", "event_id", ev.ID, "attempts", attempt)
			return
		}

		final := attempt == d.cfg.MaxAttempts
		d.broker.UpdateDelivery(ev.ID, func(del *broker.Delivery) {
			if final {
				del.State = broker.DeliveryFailed
			} else {
				del.State = broker.DeliveryRetry
			}
			del.Attempts = attempt
			del.LastAttemptAt = time.Now()
			del.LastStatus = httpStatus
			if err != nil {
				del.LastError = err.Error()
			} else {
				del.LastError = fmt.Sprintf("unexpected status %d", httpStatus)
			}
		})

		if final {
			d.logger.Error("webhook delivery failed permanently",
				"event_id", ev.ID,
				"attempts", attempt,
				"last_status", httpStatus,
				"error", err)
			return
		}

		if err := d.sleep(ctx, time.Duration(attempt)*d.cfg.Backoff); err != nil {
			return
		}
	}
}

// post performs one signed delivery attempt. Returns the HTTP status code
// (0 when the request never completed) and any transport error.
func (d *Dispatcher) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign([]byte(d.cfg.Secret), body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
