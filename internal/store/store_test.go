// ABOUTME: Tests exercising both Store implementations through one suite.
// ABOUTME: Covers instance CRUD, event mirroring, and pruning.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/internal/broker"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chatwire.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestStore_InstanceCRUD(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			rec := &InstanceRecord{ID: "support-a", Name: "Support A", Note: "primary", CreatedAt: now, UpdatedAt: now}
			require.NoError(t, s.SaveInstance(ctx, rec))

			got, err := s.GetInstance(ctx, "support-a")
			require.NoError(t, err)
			assert.Equal(t, "Support A", got.Name)
			assert.Equal(t, "primary", got.Note)
			assert.True(t, got.CreatedAt.Equal(now))

			// Upsert updates metadata in place.
			rec.Note = "rotated"
			rec.UpdatedAt = now.Add(time.Minute)
			require.NoError(t, s.SaveInstance(ctx, rec))
			got, err = s.GetInstance(ctx, "support-a")
			require.NoError(t, err)
			assert.Equal(t, "rotated", got.Note)

			list, err := s.ListInstances(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)

			require.NoError(t, s.DeleteInstance(ctx, "support-a"))
			_, err = s.GetInstance(ctx, "support-a")
			assert.ErrorIs(t, err, ErrInstanceNotFound)
			assert.ErrorIs(t, s.DeleteInstance(ctx, "support-a"), ErrInstanceNotFound)
		})
	}
}

func TestStore_ListOrdersByCreation(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)

			for i, id := range []string{"c", "a", "b"} {
				require.NoError(t, s.SaveInstance(ctx, &InstanceRecord{
					ID:        id,
					Name:      id,
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
					UpdatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}

			list, err := s.ListInstances(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "c", list[0].ID)
			assert.Equal(t, "b", list[2].ID)
		})
	}
}

func TestStore_EventMirrorAndPrune(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 1; i <= 6; i++ {
				scope := "s1"
				if i%2 == 0 {
					scope = "s2"
				}
				require.NoError(t, s.SaveEvent(ctx, &broker.Event{
					ID:        string(rune('a' + i)),
					Sequence:  int64(i),
					Type:      broker.TypeMessage,
					Scope:     scope,
					Direction: broker.DirectionInbound,
					Payload:   map[string]any{"n": i},
					CreatedAt: time.Now().UTC(),
				}))
			}

			all, err := s.RecentEvents(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 6)
			assert.Equal(t, int64(1), all[0].Sequence)
			assert.Equal(t, int64(6), all[5].Sequence)

			scoped, err := s.RecentEvents(ctx, "s1", 0)
			require.NoError(t, err)
			require.Len(t, scoped, 3)
			for _, ev := range scoped {
				assert.Equal(t, "s1", ev.Scope)
			}

			limited, err := s.RecentEvents(ctx, "", 2)
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, int64(5), limited[0].Sequence)
			assert.Equal(t, int64(6), limited[1].Sequence)

			require.NoError(t, s.PruneEvents(ctx, 3))
			all, err = s.RecentEvents(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, int64(4), all[0].Sequence)
		})
	}
}

func TestStore_LastEventSequence(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			seq, err := s.LastEventSequence(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), seq, "empty mirror reports zero")

			for i := 1; i <= 3; i++ {
				require.NoError(t, s.SaveEvent(ctx, &broker.Event{
					ID:        string(rune('a' + i)),
					Sequence:  int64(i),
					Type:      broker.TypeMessage,
					Scope:     "s1",
					Direction: broker.DirectionInbound,
					CreatedAt: time.Now().UTC(),
				}))
			}

			seq, err = s.LastEventSequence(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), seq)
		})
	}
}

// A restarted broker must pick up numbering where the mirror left off;
// starting over at 1 would collide with the unique sequence column.
func TestSQLiteStore_MirrorSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chatwire.db")

	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	b1 := broker.New(10, s1, nil)
	b1.Append(broker.TypeMessage, "s1", broker.DirectionInbound, map[string]any{"n": 1})
	b1.Append(broker.TypeMessage, "s1", broker.DirectionInbound, map[string]any{"n": 2})
	b1.Close()
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	seq, err := s2.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), seq)

	b2 := broker.New(10, s2, nil)
	defer b2.Close()
	b2.SeedSequence(seq)

	ev := b2.Append(broker.TypeMessage, "s1", broker.DirectionInbound, map[string]any{"n": 3})
	assert.Equal(t, int64(3), ev.Sequence)

	all, err := s2.RecentEvents(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3, "post-restart append must land in the mirror")
	assert.Equal(t, ev.ID, all[2].ID)
}

func TestStore_DeleteInstanceRemovesItsEvents(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			require.NoError(t, s.SaveInstance(ctx, &InstanceRecord{ID: "s1", Name: "s1", CreatedAt: now, UpdatedAt: now}))
			require.NoError(t, s.SaveEvent(ctx, &broker.Event{ID: "e1", Sequence: 1, Type: broker.TypeMessage, Scope: "s1", Direction: broker.DirectionInbound, CreatedAt: now}))
			require.NoError(t, s.SaveEvent(ctx, &broker.Event{ID: "e2", Sequence: 2, Type: broker.TypeMessage, Scope: "s2", Direction: broker.DirectionInbound, CreatedAt: now}))

			require.NoError(t, s.DeleteInstance(ctx, "s1"))

			all, err := s.RecentEvents(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "s2", all[0].Scope)
		})
	}
}
