// Package storage defines the object store the archive sink writes to.
//
// Keys are "/"-separated paths. Implementations are safe for concurrent use
// and Put overwrites, so rewriting an archive object under the same key is an
// idempotent replay.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/penguintechinc/killkrill-sub000/errors"
)

// Object describes one stored object.
type Object struct {
	Key         string
	Data        []byte
	ContentType string
	// Encoding is the Content-Encoding of Data, if compressed.
	Encoding string
}

// Store is an object store.
type Store interface {
	// Put stores obj under obj.Key, replacing any existing object.
	Put(ctx context.Context, obj Object) error
	// Get returns the object at key or errors.ErrKeyNotFound.
	Get(ctx context.Context, key string) (Object, error)
	// List returns keys with prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

// Put implements Store
func (m *Memory) Put(_ context.Context, obj Object) error {
	if obj.Key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Memory", "Put", "empty key")
	}
	obj.Data = append([]byte(nil), obj.Data...)
	m.mu.Lock()
	m.objects[obj.Key] = obj
	m.mu.Unlock()
	return nil
}

// Get implements Store
func (m *Memory) Get(_ context.Context, key string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return Object{}, errors.WrapInvalid(errors.ErrKeyNotFound, "Memory", "Get", key)
	}
	return obj, nil
}

// List implements Store
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Store
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}
