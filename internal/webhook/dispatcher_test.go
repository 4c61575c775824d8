// ABOUTME: Tests for retrying webhook delivery against an httptest endpoint.
// ABOUTME: Covers success, retry-then-success, terminal failure, and signing.

package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/internal/broker"
)

func newTestDispatcher(t *testing.T, url, secret string, maxAttempts int, b *broker.Broker) *Dispatcher {
	t.Helper()
	d := NewDispatcher(Config{
		URL:         url,
		Secret:      secret,
		MaxAttempts: maxAttempts,
		Backoff:     time.Millisecond,
	}, b, nil)
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

func TestDispatcher_SuccessOnFirstAttempt(t *testing.T) {
	b := broker.New(10, nil, nil)
	defer b.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ev := b.Append(broker.TypeMessage, "s1", broker.DirectionInbound, "hi")
	d := newTestDispatcher(t, srv.URL, "", 3, b)
	d.Deliver(context.Background(), ev)

	got, ok := b.Lookup(ev.ID)
	require.True(t, ok)
	require.NotNil(t, got.Delivery)
	assert.Equal(t, broker.DeliverySuccess, got.Delivery.State)
	assert.Equal(t, 1, got.Delivery.Attempts)
	assert.Equal(t, 200, got.Delivery.LastStatus)
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	b := broker.New(10, nil, nil)
	defer b.Close()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ev := b.Append(broker.TypeMessage, "s1", broker.DirectionInbound, "hi")
	d := newTestDispatcher(t, srv.URL, "", 3, b)
	d.Deliver(context.Background(), ev)

	got, _ := b.Lookup(ev.ID)
	require.NotNil(t, got.Delivery)
	assert.Equal(t, broker.DeliverySuccess, got.Delivery.State)
	assert.Equal(t, 2, got.Delivery.Attempts)
	assert.Equal(t, 200, got.Delivery.LastStatus)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcher_TerminalFailureAfterMaxAttempts(t *testing.T) {
	b := broker.New(10, nil, nil)
	defer b.Close()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ev := b.Append(broker.TypeMessage, "s1", broker.DirectionInbound, "hi")
	d := newTestDispatcher(t, srv.URL, "", 3, b)
	d.Deliver(context.Background(), ev)

	got, _ := b.Lookup(ev.ID)
	require.NotNil(t, got.Delivery)
	assert.Equal(t, broker.DeliveryFailed, got.Delivery.State)
	assert.Equal(t, 3, got.Delivery.Attempts)
	assert.Equal(t, 502, got.Delivery.LastStatus)
	assert.NotEmpty(t, got.Delivery.LastError)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_SignsExactBody(t *testing.T) {
	b := broker.New(10, nil, nil)
	defer b.Close()

	secret := "hook-secret"
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ev := b.Append(broker.TypeStatus, "s1", broker.DirectionSystem, map[string]int{"status": 2})
	d := newTestDispatcher(t, srv.URL, secret, 3, b)
	d.Deliver(context.Background(), ev)

	require.NotEmpty(t, gotSig)
	assert.True(t, Verify([]byte(secret), gotBody, gotSig), "receiver-side verification of the exact bytes")
}

func TestDispatcher_RunFiltersEventTypes(t *testing.T) {
	b := broker.New(10, nil, nil)
	defer b.Close()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{
		URL:        srv.URL,
		EventTypes: []string{broker.TypeMessage},
		Backoff:    time.Millisecond,
	}, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	b.Append(broker.TypeConnection, "s1", broker.DirectionSystem, "open")
	b.Append(broker.TypeMessage, "s1", broker.DirectionInbound, "hi")

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}
	assert.Equal(t, int32(1), calls.Load(), "filtered event type must not be delivered")
}
