// ABOUTME: In-memory Store implementation used by tests.
// ABOUTME: Mirrors SQLiteStore semantics including ErrInstanceNotFound.

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/chatwire/chatwire/internal/broker"
)

// MemoryStore is a Store kept entirely in memory. Safe for concurrent use.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*InstanceRecord
	events    []*broker.Event
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*InstanceRecord)}
}

func (m *MemoryStore) SaveInstance(ctx context.Context, rec *InstanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.instances[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListInstances(ctx context.Context) ([]*InstanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*InstanceRecord, 0, len(m.instances))
	for _, rec := range m.instances {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return ErrInstanceNotFound
	}
	delete(m.instances, id)
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.Scope != id {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

func (m *MemoryStore) SaveEvent(ctx context.Context, ev *broker.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) RecentEvents(ctx context.Context, scope string, limit int) ([]*broker.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = broker.DefaultCapacity
	}
	var out []*broker.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if scope != "" && m.events[i].Scope != scope {
			continue
		}
		cp := *m.events[i]
		out = append(out, &cp)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *MemoryStore) PruneEvents(ctx context.Context, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) > keep {
		m.events = append([]*broker.Event(nil), m.events[len(m.events)-keep:]...)
	}
	return nil
}

func (m *MemoryStore) LastEventSequence(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var seq int64
	for _, ev := range m.events {
		if ev.Sequence > seq {
			seq = ev.Sequence
		}
	}
	return seq, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
