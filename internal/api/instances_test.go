// ABOUTME: Tests for instance lifecycle routes and their error mapping.
// ABOUTME: Covers CRUD, QR rendering, pairing, metrics, and auth enforcement.

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/internal/auth"
	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/session"
)

func TestInstances_CreateAndGet(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodPost, "/instances", CreateInstanceRequest{Name: "Support A", Note: "primary"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	snap := decode[session.Snapshot](t, rec)
	assert.Equal(t, "support-a", snap.ID)

	rec = f.do(t, http.MethodGet, "/instances/support-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[session.Snapshot](t, rec)
	assert.Equal(t, "Support A", got.Name)
	assert.Equal(t, "primary", got.Note)
}

func TestInstances_DuplicateCreateIs409(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodPost, "/instances", CreateInstanceRequest{Name: "support-a"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/instances", CreateInstanceRequest{Name: "support-a"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInstances_UnknownIDIs404(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/instances/nope"},
		{http.MethodDelete, "/instances/nope"},
		{http.MethodPost, "/instances/nope/logout"},
		{http.MethodGet, "/instances/nope/metrics"},
		{http.MethodGet, "/instances/nope/events"},
	} {
		rec := f.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestInstances_List(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.do(t, http.MethodPost, "/instances", CreateInstanceRequest{Name: "a"})
	f.do(t, http.MethodPost, "/instances", CreateInstanceRequest{Name: "b"})

	rec := f.do(t, http.MethodGet, "/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]session.Snapshot](t, rec), 2)
}

func TestInstances_PatchValidation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	id := f.openSession(t, "support-a")

	name := "Renamed"
	rec := f.do(t, http.MethodPatch, "/instances/"+id, PatchInstanceRequest{Name: &name})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed", decode[session.Snapshot](t, rec).Name)

	empty := "   "
	rec = f.do(t, http.MethodPatch, "/instances/"+id, PatchInstanceRequest{Name: &empty})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstances_DeleteWithFlags(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	id := f.openSession(t, "support-a")

	rec := f.do(t, http.MethodDelete, "/instances/"+id+"?removeCredentials&forceLogout", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, f.dialer.Erased(id))
	assert.Equal(t, 1, f.dialer.Socket(id).LogoutCalls)

	rec = f.do(t, http.MethodGet, "/instances/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInstances_QRLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodPost, "/instances", CreateInstanceRequest{Name: "support-a"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[session.Snapshot](t, rec).ID

	// No challenge yet: the QR window has not opened.
	rec = f.do(t, http.MethodGet, "/instances/"+id+"/qr", nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	require.Eventually(t, func() bool {
		return f.dialer.Socket(id) != nil
	}, time.Second, 5*time.Millisecond)
	f.dialer.Socket(id).EmitQR("challenge-1")

	require.Eventually(t, func() bool {
		s, _ := f.registry.Get(id)
		return s.QRVersion == 1
	}, time.Second, 5*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/instances/"+id+"/qr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-QR-Expires-At"))
	// PNG magic bytes
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, rec.Body.Bytes()[:4])
}

func TestInstances_PairReturnsCode(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	id := f.openSession(t, "support-a")

	rec := f.do(t, http.MethodPost, "/instances/"+id+"/pair", PairRequest{Phone: "+15550100"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABCD-1234", decode[map[string]string](t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/instances/"+id+"/pair", PairRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstances_LogoutWhileDisconnectedIs409(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	id := f.openSession(t, "support-a")

	rec := f.do(t, http.MethodPost, "/instances/"+id+"/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/instances/"+id+"/logout", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInstances_Metrics(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	id := f.openSession(t, "support-a")

	rec := f.do(t, http.MethodGet, "/instances/"+id+"/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[session.Metrics](t, rec)
	assert.Equal(t, session.StateOpen, m.State)
	assert.Equal(t, 20, m.RateLimit)
}

func TestInstances_EventsIncludeMirroredHistory(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	// History written by a previous run: in the store mirror, not in the
	// ring. The broker is seeded past it, as serve does at startup.
	ctx := context.Background()
	for i, evID := range []string{"old-1", "old-2"} {
		require.NoError(t, f.store.SaveEvent(ctx, &broker.Event{
			ID:        evID,
			Sequence:  int64(i + 1),
			Type:      broker.TypeMessage,
			Scope:     "support-a",
			Direction: broker.DirectionInbound,
			CreatedAt: time.Now(),
		}))
	}
	f.broker.SeedSequence(2)

	id := f.openSession(t, "support-a")

	rec := f.do(t, http.MethodGet, "/instances/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]broker.Event](t, rec)
	require.GreaterOrEqual(t, len(events), 3)

	assert.Equal(t, "old-1", events[0].ID)
	assert.Equal(t, "old-2", events[1].ID)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence, "events must stay in sequence order")
	}
	assert.Equal(t, int64(3), events[2].Sequence, "live events continue after the mirrored history")
}

func TestAuth_ProtectedRoutesRequireToken(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("secret"))
	f := newFixture(t, fixtureOptions{verifier: verifier})

	rec := f.do(t, http.MethodGet, "/instances", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open.
	rec = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	token, err := verifier.Generate("op", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/instances", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
