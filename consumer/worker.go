// Package consumer runs the workers that drain a stream consumer group into
// the sinks.
//
// A Worker loops IDLE → FETCHING → PROCESSING → ACK_OR_RETRY → FETCHING until
// it is stopped. Entries are acknowledged only after the handler has durably
// committed them; anything else stays pending and comes back once its
// visibility timeout expires. An entry delivered more than MaxRetries times is
// moved to the dead-letter store and acknowledged before it is processed
// again; an entry whose payload does not decode is moved there on first
// sight.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/penguintechinc/killkrill-sub000/deadletter"
	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
	"github.com/penguintechinc/killkrill-sub000/pkg/retry"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

const tracerName = "github.com/penguintechinc/killkrill-sub000/consumer"

// Defaults
const (
	DefaultBatchSize       = 100
	DefaultBlockTimeout    = 2 * time.Second
	DefaultMaxRetries      = 3
	DefaultShutdownGrace   = 10 * time.Second
	DefaultReclaimInterval = 30 * time.Second
)

// Config configures a Worker.
type Config struct {
	// Pipeline labels metrics and logs, e.g. "logs" or "metrics".
	Pipeline string `json:"pipeline"`
	Group    string `json:"group"`
	// Consumer identifies this worker within the group. Empty generates one.
	Consumer  string `json:"consumer"`
	BatchSize int    `json:"batch_size"`
	// BlockTimeout bounds an idle read. Zero uses the default, negative
	// polls without blocking.
	BlockTimeout time.Duration `json:"block_timeout"`
	// MaxRetries is the number of deliveries an entry gets; the next one
	// sends it to the dead-letter store.
	MaxRetries        int           `json:"max_retries"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
	ShutdownGrace     time.Duration `json:"shutdown_grace"`
	// ReclaimInterval is how often pending entries are summarised. Zero
	// uses the default, negative disables the sweep.
	ReclaimInterval time.Duration `json:"reclaim_interval"`
	// Backoff paces retries after failed reads.
	Backoff retry.Config `json:"-"`
}

// DefaultConfig returns the worker defaults for pipeline.
func DefaultConfig(pipeline string) Config {
	return Config{
		Pipeline:        pipeline,
		Group:           pipeline + "-workers",
		BatchSize:       DefaultBatchSize,
		BlockTimeout:    DefaultBlockTimeout,
		MaxRetries:      DefaultMaxRetries,
		ShutdownGrace:   DefaultShutdownGrace,
		ReclaimInterval: DefaultReclaimInterval,
		Backoff:         retry.Persistent(),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Group == "" {
		return fmt.Errorf("group is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown_grace cannot be negative")
	}
	return nil
}

// Deps holds runtime dependencies
type Deps struct {
	Config      Config
	Stream      stream.Stream
	Handler     Handler
	DeadLetters deadletter.Store
	Clock       clock.Clock     // optional
	Metrics     *metric.Metrics // optional
	Logger      *slog.Logger    // optional
	Tracer      trace.Tracer    // optional; defaults to the global provider
}

// Stats counts what a worker has done.
type Stats struct {
	Batches      int64 `json:"batches"`
	Acked        int64 `json:"acked"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	FetchErrors  int64 `json:"fetch_errors"`
}

type failure struct {
	first time.Time
	err   error
}

// Worker is one member of a consumer group.
type Worker struct {
	cfg     Config
	stream  stream.Stream
	handler Handler
	dlq     deadletter.Store
	clock   clock.Clock
	metrics *metric.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	state   atomic.Int32
	running atomic.Bool

	// failures is only touched by the loop goroutine.
	failures  map[stream.ID]failure
	lastSweep time.Time
	fetchErrs int

	statsMu sync.Mutex
	stats   Stats
}

// New creates a worker. Zero config fields take their defaults.
func New(deps Deps) (*Worker, error) {
	cfg := deps.Config
	if cfg.Pipeline == "" {
		cfg.Pipeline = "events"
	}
	if cfg.Group == "" {
		cfg.Group = cfg.Pipeline + "-workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = cfg.Pipeline + "-" + uuid.NewString()[:8]
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.ReclaimInterval == 0 {
		cfg.ReclaimInterval = DefaultReclaimInterval
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = retry.Persistent()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Worker", "New", "validate config")
	}
	if deps.Stream == nil || deps.Handler == nil || deps.DeadLetters == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Worker", "New", "stream, handler and dead-letter store are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "consumer")
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	w := &Worker{
		cfg:      cfg,
		stream:   deps.Stream,
		handler:  deps.Handler,
		dlq:      deps.DeadLetters,
		clock:    clock.OrReal(deps.Clock),
		metrics:  deps.Metrics,
		logger:   logger.With("stream", deps.Stream.Name(), "group", cfg.Group, "consumer", cfg.Consumer),
		tracer:   tracer,
		failures: make(map[stream.ID]failure),
	}
	w.setState(StateIdle)
	return w, nil
}

// Config returns the effective configuration
func (w *Worker) Config() Config { return w.cfg }

// State returns the current state
func (w *Worker) State() State { return State(w.state.Load()) }

// Stats returns a snapshot of the counters
func (w *Worker) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

func (w *Worker) setState(s State) {
	if State(w.state.Swap(int32(s))) == s {
		return
	}
	w.metrics.RecordWorkerState(w.cfg.Consumer, s.String(), int(s))
}

func (w *Worker) count(fn func(*Stats)) {
	w.statsMu.Lock()
	fn(&w.stats)
	w.statsMu.Unlock()
}

// Run consumes until ctx is cancelled or the stream closes. On cancellation
// no new batch is fetched; the batch in flight gets ShutdownGrace to finish
// and is left pending if it does not.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Worker", "Run", "start worker")
	}
	defer w.running.Store(false)
	defer w.setState(StateStopped)

	if err := w.stream.CreateGroup(ctx, w.cfg.Group, stream.GroupOptions{VisibilityTimeout: w.cfg.VisibilityTimeout}); err != nil {
		return errors.Wrap(err, "Worker", "Run", "create group")
	}

	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		select {
		case <-w.clock.After(w.cfg.ShutdownGrace):
			w.logger.Warn("Shutdown grace expired, abandoning in-flight batch")
			cancelWork()
		case <-stopped:
		}
	}()

	w.logger.Info("Worker started", "batch_size", w.cfg.BatchSize, "max_retries", w.cfg.MaxRetries)
	for ctx.Err() == nil {
		err := w.cycle(ctx, work)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, errors.ErrStreamClosed) || errors.IsFatal(err) {
			w.finalFlush(work)
			return err
		}
		w.backoff(ctx, err)
	}

	w.finalFlush(work)
	w.logger.Info("Worker stopped", "stats", w.Stats())
	return nil
}

func (w *Worker) finalFlush(ctx context.Context) {
	f, ok := w.handler.(Flusher)
	if !ok {
		return
	}
	if err := f.Flush(ctx, w.clock.Now(), true); err != nil {
		w.logger.Error("Final flush failed", "error", err)
	}
}

func (w *Worker) backoff(ctx context.Context, err error) {
	w.fetchErrs++
	w.count(func(s *Stats) { s.FetchErrors++ })
	w.metrics.RecordError("consumer", errors.Classify(err).String())
	delay := w.cfg.Backoff.Delay(w.fetchErrs)
	w.logger.Warn("Read failed, backing off", "error", err, "attempt", w.fetchErrs, "delay", delay)
	w.setState(StateIdle)
	select {
	case <-ctx.Done():
	case <-w.clock.After(delay):
	}
}

// Step runs a single fetch/process/ack cycle and returns the read error, if
// any. It is what Run loops over.
func (w *Worker) Step(ctx context.Context) error {
	return w.cycle(ctx, ctx)
}

// cycle fetches with fetchCtx and processes with workCtx, so that shutdown
// stops fetching without interrupting the batch in flight.
func (w *Worker) cycle(fetchCtx, workCtx context.Context) error {
	w.sweep(fetchCtx)

	w.setState(StateFetching)
	entries, err := w.stream.ReadBatch(fetchCtx, w.cfg.Group, w.cfg.Consumer, w.cfg.BatchSize, w.cfg.BlockTimeout)
	if err != nil {
		return err
	}
	w.fetchErrs = 0
	if len(entries) > 0 {
		w.processBatch(workCtx, entries)
	}
	if f, ok := w.handler.(Flusher); ok {
		if err := f.Flush(workCtx, w.clock.Now(), false); err != nil {
			w.logger.Warn("Flush failed", "error", err)
		}
	}
	return nil
}

func (w *Worker) processBatch(ctx context.Context, entries []stream.Entry) {
	start := w.clock.Now()
	ctx, span := w.tracer.Start(ctx, "consumer.batch",
		trace.WithAttributes(
			attribute.String("consumer.group", w.cfg.Group),
			attribute.String("consumer.id", w.cfg.Consumer),
			attribute.String("stream.name", w.stream.Name()),
			attribute.Int("batch.size", len(entries)),
		),
	)
	defer span.End()

	var (
		ack      []stream.ID
		eligible []stream.Entry
	)

	// Undecodable and exhausted entries leave before any further processing.
	for _, e := range entries {
		if e.DecodeErr != nil {
			if w.deadLetter(ctx, e, deadletter.ReasonCorrupt, e.DecodeErr) {
				ack = append(ack, e.ID)
			}
			continue
		}
		if e.Deliveries <= w.cfg.MaxRetries {
			eligible = append(eligible, e)
			continue
		}
		var lastErr error
		if f, ok := w.failures[e.ID]; ok {
			lastErr = f.err
		}
		if w.deadLetter(ctx, e, deadletter.ReasonMaxRetries, lastErr) {
			ack = append(ack, e.ID)
		}
	}

	w.setState(StateProcessing)
	var commit []stream.Entry
	retrying := 0
	if len(eligible) > 0 {
		errs := w.handler.Process(ctx, eligible)
		for i, e := range eligible {
			var err error
			if i < len(errs) {
				err = errs[i]
			}
			switch {
			case err == nil:
				commit = append(commit, e)
			case permanent(err):
				if w.deadLetter(ctx, e, deadletter.ReasonInvalid, err) {
					ack = append(ack, e.ID)
				}
			default:
				w.recordFailure(e.ID, err)
				retrying++
			}
		}
	}

	w.setState(StateAckOrRetry)
	if len(commit) > 0 {
		failed := commitFailures(commit, w.handler.Commit(ctx, commit))
		for _, e := range commit {
			if err, ok := failed[e.ID]; ok {
				w.recordFailure(e.ID, err)
				retrying++
				continue
			}
			ack = append(ack, e.ID)
		}
	}

	acked := 0
	if len(ack) > 0 {
		n, err := w.stream.Ack(ctx, w.cfg.Group, ack...)
		if err != nil {
			// left pending; redelivery is absorbed by idempotent sinks
			w.logger.Error("Ack failed", "count", len(ack), "error", err)
			span.RecordError(err)
		} else {
			acked = n
			for _, id := range ack {
				delete(w.failures, id)
			}
		}
	}

	w.count(func(s *Stats) {
		s.Batches++
		s.Acked += int64(acked)
		s.Retried += int64(retrying)
	})
	w.metrics.RecordEntries(w.cfg.Pipeline, "acked", acked)
	w.metrics.RecordEntries(w.cfg.Pipeline, "retry", retrying)
	w.metrics.RecordBatch(w.cfg.Pipeline, w.clock.Now().Sub(start))

	span.SetAttributes(attribute.Int("batch.failed", retrying), attribute.Int("batch.acked", acked))
	if retrying > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d entries left for retry", retrying))
		w.logger.Warn("Batch partially failed", "size", len(entries), "acked", acked, "retrying", retrying)
	} else {
		w.logger.Debug("Batch done", "size", len(entries), "acked", acked)
	}
}

func (w *Worker) recordFailure(id stream.ID, err error) {
	f, ok := w.failures[id]
	if !ok {
		f.first = w.clock.Now()
	}
	f.err = err
	w.failures[id] = f
}

// deadLetter stores e and reports whether it may be acknowledged. A store
// failure leaves the entry pending so a later delivery tries again.
func (w *Worker) deadLetter(ctx context.Context, e stream.Entry, reason string, cause error) bool {
	now := w.clock.Now()
	first := w.failures[e.ID].first
	entry := deadletter.NewEntry(w.stream.Name(), w.cfg.Group, e, reason, cause, first, now)

	added, err := w.dlq.Put(ctx, entry)
	if err != nil {
		w.logger.Error("Dead-letter write failed", "entry", e.ID, "error", err)
		w.metrics.RecordError("deadletter", errors.Classify(err).String())
		return false
	}
	if added {
		w.count(func(s *Stats) { s.DeadLettered++ })
		w.metrics.RecordDeadLetter(w.cfg.Pipeline, reason)
		w.metrics.RecordEntries(w.cfg.Pipeline, "dead_lettered", 1)
		w.logger.Warn("Entry dead-lettered",
			"entry", e.ID, "reason", reason, "deliveries", e.Deliveries, "error", entry.LastError)
	}
	return true
}

// sweep periodically summarises the group's pending entries and forgets
// failures for entries this worker no longer holds.
func (w *Worker) sweep(ctx context.Context) {
	if w.cfg.ReclaimInterval < 0 {
		return
	}
	now := w.clock.Now()
	if !w.lastSweep.IsZero() && now.Sub(w.lastSweep) < w.cfg.ReclaimInterval {
		return
	}
	w.lastSweep = now

	pending, err := w.stream.Pending(ctx, w.cfg.Group)
	if err != nil {
		w.logger.Debug("Pending sweep failed", "error", err)
		return
	}
	held := make(map[stream.ID]bool, len(pending))
	perConsumer := make(map[string]int)
	var oldest time.Duration
	for _, p := range pending {
		perConsumer[p.Consumer]++
		if p.Consumer == w.cfg.Consumer {
			held[p.ID] = true
		}
		if p.Age > oldest {
			oldest = p.Age
		}
	}
	for id := range w.failures {
		if !held[id] {
			delete(w.failures, id)
		}
	}

	if groups, err := w.stream.Groups(ctx); err == nil {
		for _, g := range groups {
			if g.Name == w.cfg.Group {
				w.metrics.RecordGroup(w.stream.Name(), g.Name, g.Lag, g.Pending)
			}
		}
	}
	if len(pending) > 0 {
		consumers := make([]string, 0, len(perConsumer))
		for c := range perConsumer {
			consumers = append(consumers, c)
		}
		sort.Strings(consumers)
		w.logger.Info("Pending entries", "total", len(pending), "consumers", consumers, "oldest", oldest)
	}
}
