package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/penguintechinc/killkrill-sub000/pkg/buffer"
)

// DefaultRetained is the number of results kept per metric name.
const DefaultRetained = 512

// Query selects retained results.
type Query struct {
	Name string
	// Labels must all match; other labels on the result are ignored.
	Labels map[string]string
	// From and To bound the window start, inclusive. Zero means unbounded.
	From time.Time
	To   time.Time
	// Limit keeps the most recent matches. Zero means all.
	Limit int
}

func (q Query) matches(r Result) bool {
	if !q.From.IsZero() && r.Start.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && r.Start.After(q.To) {
		return false
	}
	for k, v := range q.Labels {
		if r.Labels[k] != v {
			return false
		}
	}
	return true
}

// Store retains the most recent flushed results per metric name and fans
// them out to subscribers. It is safe for concurrent use.
type Store struct {
	retained int

	mu     sync.RWMutex
	series map[string]buffer.Buffer[Result]
	subs   map[*Subscription]struct{}
}

// NewStore keeps up to retained results per name; zero uses DefaultRetained.
func NewStore(retained int) *Store {
	if retained <= 0 {
		retained = DefaultRetained
	}
	return &Store{
		retained: retained,
		series:   make(map[string]buffer.Buffer[Result]),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Add records results and publishes them to matching subscribers.
func (s *Store) Add(results ...Result) {
	if len(results) == 0 {
		return
	}
	s.mu.Lock()
	for _, r := range results {
		b, ok := s.series[r.Name]
		if !ok {
			// rings without metrics never fail to construct
			b, _ = buffer.New[Result](s.retained)
			s.series[r.Name] = b
		}
		_ = b.Write(r)
	}
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.publish(results)
	}
}

// Query returns matching results ordered by window start.
func (s *Store) Query(q Query) []Result {
	s.mu.RLock()
	b, ok := s.series[q.Name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	var out []Result
	for _, r := range b.Snapshot() {
		if q.matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Names lists metric names with retained results.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.series))
	for n := range s.series {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Subscribe registers a subscriber for results named name, or all results
// when name is empty. At most capacity undelivered results are queued; older
// ones are dropped when the subscriber falls behind.
func (s *Store) Subscribe(name string, capacity int) *Subscription {
	b, _ := buffer.New[Result](capacity)
	sub := &Subscription{
		store:  s,
		name:   name,
		buf:    b,
		notify: make(chan struct{}, 1),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Subscription is a bounded feed of newly flushed results.
type Subscription struct {
	store  *Store
	name   string
	buf    buffer.Buffer[Result]
	notify chan struct{}
	once   sync.Once
}

func (sub *Subscription) publish(results []Result) {
	n := 0
	for _, r := range results {
		if sub.name != "" && r.Name != sub.name {
			continue
		}
		if sub.buf.Write(r) == nil {
			n++
		}
	}
	if n == 0 {
		return
	}
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// Ready is signalled when results are waiting.
func (sub *Subscription) Ready() <-chan struct{} { return sub.notify }

// Drain removes and returns every queued result.
func (sub *Subscription) Drain() []Result {
	return sub.buf.ReadBatch(sub.buf.Capacity())
}

// Dropped counts results discarded because the subscriber fell behind.
func (sub *Subscription) Dropped() int64 { return sub.buf.Stats().Drops }

// Close unregisters the subscription.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs, sub)
		sub.store.mu.Unlock()
		_ = sub.buf.Close()
	})
}
