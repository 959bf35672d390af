package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/penguintechinc/killkrill-sub000/metric"
)

const (
	defaultWorkers   = 10
	defaultQueueSize = 1000
)

type poolState int

const (
	poolIdle poolState = iota
	poolRunning
	poolStopped
)

// Pool runs a fixed number of goroutines over a bounded queue of T.
type Pool[T any] struct {
	workers   int
	queueSize int
	process   func(context.Context, T) error

	registry *metric.MetricsRegistry
	name     string
	metrics  *poolMetrics

	queue chan T
	group *errgroup.Group

	mu    sync.Mutex
	state poolState

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Option configures a pool.
type Option[T any] func(*Pool[T])

// WithMetrics exports pool metrics labelled pool=name. A nil registry is
// ignored; a name already registered leaves the pool without metrics.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.name = name
	}
}

// NewPool creates a pool. Non-positive workers or queueSize take the
// defaults of 10 and 1000. It panics on a nil processor.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		process:   processor,
		queue:     make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil && p.name != "" {
		p.metrics, _ = newPoolMetrics(p.registry, p.name)
	}
	return p
}

// Start launches the workers. They exit when ctx is cancelled or the queue
// is drained after Stop.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != poolIdle {
		return ErrPoolAlreadyStarted
	}
	p.group = &errgroup.Group{}
	for range p.workers {
		p.group.Go(func() error {
			p.run(ctx)
			return nil
		})
	}
	p.state = poolRunning
	return nil
}

// Submit queues work without blocking.
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case poolIdle:
		return ErrPoolNotStarted
	case poolStopped:
		return ErrPoolStopped
	}

	select {
	case p.queue <- work:
		p.submitted.Add(1)
		p.metrics.accepted(len(p.queue))
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.rejected()
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for accepted work to drain.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.state != poolRunning {
		p.mu.Unlock()
		return nil
	}
	p.state = poolStopped
	close(p.queue)
	group := p.group
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(drained)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-drained:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.queue:
			if !ok {
				return
			}
			start := time.Now()
			err := p.process(ctx, work)
			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}
			p.metrics.done(err, time.Since(start), len(p.queue))
		}
	}
}

// PoolStats is a point-in-time view of the pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns the counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}
