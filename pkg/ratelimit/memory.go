package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
)

const sweepEvery = 1024

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Memory keeps a token bucket per key. Buckets idle for a full window are
// discarded.
type Memory struct {
	limit  rate.Limit
	burst  int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
}

// NewMemory creates a limiter allowing requests per window with the given
// burst (zero means requests).
func NewMemory(requests int, window time.Duration, burst int, clk clock.Clock) *Memory {
	if burst <= 0 {
		burst = requests
	}
	return &Memory{
		limit:   rate.Every(window / time.Duration(requests)),
		burst:   burst,
		window:  window,
		clock:   clock.OrReal(clk),
		buckets: make(map[string]*bucket),
	}
}

// Allow implements Limiter
func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := m.clock.Now()

	m.mu.Lock()
	m.calls++
	if m.calls%sweepEvery == 0 {
		m.sweepLocked(now)
	}
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	lim := b.lim
	m.mu.Unlock()

	if lim.AllowN(now, 1) {
		return Decision{Allowed: true, Limit: m.burst, Remaining: int(math.Floor(lim.TokensAt(now)))}, nil
	}
	r := lim.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return Decision{Allowed: false, Limit: m.burst, RetryAfter: wait}, nil
}

func (m *Memory) sweepLocked(now time.Time) {
	for k, b := range m.buckets {
		if now.Sub(b.lastSeen) > m.window {
			delete(m.buckets, k)
		}
	}
}

// Len returns the number of tracked keys
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close implements Limiter
func (m *Memory) Close() error { return nil }
