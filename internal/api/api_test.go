// ABOUTME: Shared test fixture for the HTTP control plane.
// ABOUTME: Real registry and broker over fake sockets; requests via httptest.

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/internal/auth"
	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/session"
	"github.com/chatwire/chatwire/internal/socket/sockettest"
	"github.com/chatwire/chatwire/internal/store"
)

type fixture struct {
	server   *Server
	handler  http.Handler
	registry *session.Registry
	dialer   *sockettest.FakeDialer
	broker   *broker.Broker
	store    *store.MemoryStore
}

type fixtureOptions struct {
	verifier  auth.TokenVerifier
	inbound   http.Handler
	keepalive time.Duration
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	f := &fixture{
		dialer: sockettest.NewFakeDialer(),
		broker: broker.New(200, nil, nil),
		store:  store.NewMemoryStore(),
	}
	f.registry = session.NewRegistry(f.store, f.broker, f.dialer, session.Config{
		ReconnectStart: 10 * time.Millisecond,
		ReconnectCap:   40 * time.Millisecond,
	}, nil)
	f.server = NewServer(f.registry, f.broker, f.store, opts.inbound, opts.verifier, opts.keepalive, nil)
	f.handler = f.server.Routes()
	t.Cleanup(func() {
		f.registry.Close()
		f.broker.Close()
	})
	return f
}

// openSession creates a session over HTTP and walks its socket to open.
func (f *fixture) openSession(t *testing.T, name string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/instances", CreateInstanceRequest{Name: name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))

	require.Eventually(t, func() bool {
		return f.dialer.Socket(snap.ID) != nil
	}, time.Second, 5*time.Millisecond, "socket never dialed")

	f.dialer.Socket(snap.ID).EmitConnected()
	require.Eventually(t, func() bool {
		s, err := f.registry.Get(snap.ID)
		return err == nil && s.State == session.StateOpen
	}, time.Second, 5*time.Millisecond, "session never opened")
	return snap.ID
}

// do runs one request through the route table.
func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}
