// Package cache provides a bounded, thread-safe LRU cache whose entries can
// also expire after a fixed TTL.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
)

// Statistics counts cache activity.
type Statistics struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
	Size      int   `json:"size"`
}

// HitRatio is hits over lookups, or 0 before any lookup.
func (s Statistics) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Option configures a cache.
type Option[V any] func(*LRU[V])

// WithTTL expires entries ttl after they were set. Zero disables expiry.
func WithTTL[V any](ttl time.Duration) Option[V] {
	return func(c *LRU[V]) { c.ttl = ttl }
}

// WithClock replaces the wall clock used for expiry.
func WithClock[V any](clk clock.Clock) Option[V] {
	return func(c *LRU[V]) { c.clock = clock.OrReal(clk) }
}

// WithEvictionCallback is called, under the cache lock, for every entry
// evicted by size or expiry.
func WithEvictionCallback[V any](fn func(key string, value V)) Option[V] {
	return func(c *LRU[V]) { c.onEvict = fn }
}

// WithMetrics exports the cache's counters labelled with name. A nil
// registry is ignored.
func WithMetrics[V any](registry *metric.MetricsRegistry, name string) Option[V] {
	return func(c *LRU[V]) {
		c.registry = registry
		c.name = name
	}
}

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
}

// LRU evicts the least recently used entry once maxSize is reached.
type LRU[V any] struct {
	maxSize  int
	ttl      time.Duration
	clock    clock.Clock
	onEvict  func(string, V)
	registry *metric.MetricsRegistry
	name     string
	metrics  *cacheMetrics

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List
	stats Statistics
}

// NewLRU creates a cache holding at most maxSize entries.
func NewLRU[V any](maxSize int, opts ...Option[V]) (*LRU[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU",
			"max size must be positive")
	}
	c := &LRU[V]{
		maxSize: maxSize,
		clock:   clock.Real(),
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU",
			"ttl must not be negative")
	}
	if c.registry != nil && c.name != "" {
		m, err := newCacheMetrics(c.registry, c.name)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

// Get returns the value for key and marks it recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if ok && c.expired(el.Value.(*entry[V])) {
		c.remove(el)
		c.stats.Expired++
		c.metrics.recordExpired()
		ok = false
	}
	if !ok {
		c.stats.Misses++
		c.metrics.recordMiss()
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	c.metrics.recordHit()
	return el.Value.(*entry[V]).value, true
}

// Set stores value under key. It reports whether a new entry was created.
func (c *LRU[V]) Set(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if c.ttl > 0 {
		expires = c.clock.Now().Add(c.ttl)
	}
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.expires = expires
		c.order.MoveToFront(el)
		return false
	}

	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value, expires: expires})
	for len(c.items) > c.maxSize {
		c.remove(c.order.Back())
		c.stats.Evictions++
		c.metrics.recordEviction()
	}
	c.metrics.updateSize(len(c.items))
	return true
}

// Delete removes key. It reports whether the key was present.
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if ok {
		c.order.Remove(el)
		delete(c.items, key)
		c.metrics.updateSize(len(c.items))
	}
	return ok
}

// Len returns the number of entries, including expired ones not yet seen.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the counters.
func (c *LRU[V]) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.items)
	return s
}

func (c *LRU[V]) expired(e *entry[V]) bool {
	return !e.expires.IsZero() && !c.clock.Now().Before(e.expires)
}

func (c *LRU[V]) remove(el *list.Element) {
	e := el.Value.(*entry[V])
	c.order.Remove(el)
	delete(c.items, e.key)
	if c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
	c.metrics.updateSize(len(c.items))
}
