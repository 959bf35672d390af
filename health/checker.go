package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/penguintechinc/killkrill-sub000/component"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// DefaultCheckTimeout bounds a Check call.
const DefaultCheckTimeout = 2 * time.Second

// Checker runs registered probes and keeps their last outcome.
type Checker struct {
	timeout time.Duration
	monitor *Monitor

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// Option configures a Checker.
type Option func(*Checker)

// WithMetrics records every probe result on r, e.g. the core
// killkrill_health_status gauge.
func WithMetrics(r Recorder) Option {
	return func(c *Checker) { c.monitor.recorder = r }
}

// WithLogger logs probes changing state.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		if logger == nil {
			return
		}
		c.monitor.onTransition = func(t Transition) {
			level := slog.LevelWarn
			if t.To == StateHealthy {
				level = slog.LevelInfo
			}
			logger.Log(context.Background(), level, "Health check changed state",
				"check", t.Name, "from", t.From, "to", t.To)
		}
	}
}

// NewChecker creates a checker. A non-positive timeout uses
// DefaultCheckTimeout.
func NewChecker(timeout time.Duration, opts ...Option) *Checker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	c := &Checker{
		timeout: timeout,
		monitor: NewMonitor(),
		checks:  make(map[string]CheckFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds or replaces a probe.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Unregister removes a probe and its last result.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	delete(c.checks, name)
	c.mu.Unlock()
	c.monitor.Remove(name)
}

// RegisterComponent probes comp.Health().
func (c *Checker) RegisterComponent(comp component.Component) {
	c.Register(comp.Name(), func(context.Context) error {
		hs := comp.Health()
		if hs.Healthy {
			return nil
		}
		if hs.LastError != "" {
			return fmt.Errorf("%s", hs.LastError)
		}
		return fmt.Errorf("not running")
	})
}

// Names lists registered probes.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for n := range c.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Monitor exposes the last recorded statuses.
func (c *Checker) Monitor() *Monitor { return c.monitor }

// Check runs every probe concurrently and returns the aggregate. A probe
// that does not finish within the timeout is unhealthy.
func (c *Checker) Check(ctx context.Context, system string) Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for n, fn := range c.checks {
		checks[n] = fn
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		mu   sync.Mutex
		subs = make([]Status, 0, len(checks))
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, fn := range checks {
		g.Go(func() error {
			st := run(gctx, name, fn)
			c.monitor.Update(name, st)
			mu.Lock()
			subs = append(subs, st)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(system, subs)
}

func run(ctx context.Context, name string, fn CheckFunc) Status {
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("check timed out after %s", time.Since(start).Round(time.Millisecond))
	}
	if err != nil {
		return NewUnhealthy(name, Sanitize(err.Error()))
	}
	return NewHealthy(name, "ok")
}
