package buffer

import (
	"sync"

	"github.com/penguintechinc/killkrill-sub000/errors"
)

type ring[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int // next write
	tail    int // next read
	size    int
	closed  bool
	stats   Stats
	metrics *bufferMetrics
}

func newRing[T any](capacity int, cfg config) (*ring[T], error) {
	capacity = max(capacity, 1)
	r := &ring[T]{items: make([]T, capacity)}
	if cfg.registry != nil {
		m, err := newBufferMetrics(cfg.registry, cfg.name)
		if err != nil {
			return nil, errors.WrapTransient(err, "Buffer", "New", "metrics registration")
		}
		r.metrics = m
	}
	r.stats.Capacity = capacity
	return r, nil
}

func (r *ring[T]) Write(item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}
	if r.size == len(r.items) {
		r.pop()
		r.stats.Drops++
		r.metrics.recordDrop()
	}
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	r.size++
	r.stats.Writes++
	r.metrics.recordWrite(r.size)
	return nil
}

// pop removes the oldest item; r.mu must be held and size > 0.
func (r *ring[T]) pop() T {
	var zero T
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % len(r.items)
	r.size--
	return item
}

func (r *ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		var zero T
		return zero, false
	}
	item := r.pop()
	r.stats.Reads++
	r.metrics.recordRead(1, r.size)
	return item, true
}

func (r *ring[T]) ReadBatch(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(max, r.size)
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	for i := range out {
		out[i] = r.pop()
	}
	r.stats.Reads += int64(n)
	r.metrics.recordRead(n, r.size)
	return out
}

func (r *ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.items[(r.tail+i)%len(r.items)]
	}
	return out
}

func (r *ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *ring[T]) Capacity() int { return len(r.items) }

func (r *ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.items)
	r.head, r.tail, r.size = 0, 0, 0
}

func (r *ring[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Size = r.size
	return s
}

func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
