package deadletter

import (
	"context"
	"sort"
	"sync"

	"github.com/penguintechinc/killkrill-sub000/errors"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// Put implements Store
func (m *Memory) Put(_ context.Context, e Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.Key()
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	m.entries[key] = e
	return true, nil
}

// Get implements Store
func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, errors.WrapInvalid(errors.ErrKeyNotFound, "deadletter.Memory", "Get", key)
	}
	return e, nil
}

// List implements Store
func (m *Memory) List(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sortEntries(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Delete implements Store
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Count implements Store
func (m *Memory) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Close implements Store
func (m *Memory) Close() error { return nil }

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].DeadLetteredAt.Equal(es[j].DeadLetteredAt) {
			return es[i].DeadLetteredAt.After(es[j].DeadLetteredAt)
		}
		return es[i].Key() < es[j].Key()
	})
}
