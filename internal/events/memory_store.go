package events

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity is the number of events a MemoryStore keeps.
const DefaultMemoryCapacity = 5000

// MemoryStore keeps the most recent events in a ring. It is the decision log
// when no database is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	ring  []*Event
	next  int
	count int
}

// NewMemoryStore creates a ring holding up to capacity events.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{ring: make([]*Event, capacity)}
}

// Name implements Sink.
func (m *MemoryStore) Name() string { return "memory" }

// Write implements Sink. It never fails.
func (m *MemoryStore) Write(_ context.Context, batch []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ev := range batch {
		m.ring[m.next] = ev
		m.next = (m.next + 1) % len(m.ring)
		if m.count < len(m.ring) {
			m.count++
		}
	}
	return nil
}

// List implements Lister.
func (m *MemoryStore) List(_ context.Context, source string, limit int, opts ...ListOption) ([]*Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	o := applyListOpts(opts)
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Event, 0, min(limit, m.count))
	for i := 1; i <= m.count && len(result) < limit; i++ {
		ev := m.ring[(m.next-i+len(m.ring))%len(m.ring)]
		if o.match(ev, source) {
			result = append(result, ev)
		}
	}
	return result, nil
}

// Get returns one event by ID.
func (m *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := 1; i <= m.count; i++ {
		ev := m.ring[(m.next-i+len(m.ring))%len(m.ring)]
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, ErrNotFound
}

// Len returns the number of events held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}
