package sink

import (
	"context"
	"sort"
	"sync"
)

// Memory keeps documents in a map keyed by ID. It backs tests and
// single-process deployments without a store.
type Memory struct {
	name string

	mu     sync.RWMutex
	docs   map[string]Document
	writes int
	failFn func(Document) error
}

// NewMemory creates an empty memory sink.
func NewMemory(name string) *Memory {
	if name == "" {
		name = "memory"
	}
	return &Memory{name: name, docs: make(map[string]Document)}
}

// Name implements Sink
func (m *Memory) Name() string { return m.name }

// FailWith installs a hook that may fail individual documents; nil removes
// it.
func (m *Memory) FailWith(fn func(Document) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFn = fn
}

// Write implements Sink
func (m *Memory) Write(_ context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++

	var failed map[string]error
	for _, d := range docs {
		if m.failFn != nil {
			if err := m.failFn(d); err != nil {
				if failed == nil {
					failed = make(map[string]error)
				}
				failed[d.ID] = err
				continue
			}
		}
		m.docs[d.ID] = d
	}
	if failed != nil {
		return &WriteError{Sink: m.name, Failed: failed}
	}
	return nil
}

// Get returns the document stored under id.
func (m *Memory) Get(id string) (Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	return d, ok
}

// Len returns the number of distinct documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Writes returns the number of Write calls.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Documents returns all documents ordered by entry id.
func (m *Memory) Documents() []Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out
}

// Close implements Sink
func (m *Memory) Close() error { return nil }
