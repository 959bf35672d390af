// Package metrics is the metric pipeline: every sample is written as a raw
// point and folded into the worker's aggregator, whose flushed windows are
// published to the recent-results store and written as aggregate documents.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/penguintechinc/killkrill-sub000/aggregator"
	"github.com/penguintechinc/killkrill-sub000/consumer"
	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
	"github.com/penguintechinc/killkrill-sub000/sink"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

// DefaultMaxUnwritten bounds flushed windows kept for another write attempt.
const DefaultMaxUnwritten = 10000

// Config configures the metric pipeline.
type Config struct {
	IndexPrefix string            `json:"index_prefix"`
	Aggregator  aggregator.Config `json:"aggregator"`
	// MaxUnwritten bounds flushed windows waiting for a successful sink
	// write; beyond it the oldest are dropped.
	MaxUnwritten int `json:"max_unwritten"`
}

// Deps holds runtime dependencies
type Deps struct {
	Config Config
	// Stream is the partition name the handler consumes.
	Stream   string
	Sink     sink.Sink
	Store    *aggregator.Store       // optional; receives every flushed window
	Metrics  *metric.Metrics         // optional
	Registry *metric.MetricsRegistry // optional
	Clock    clock.Clock             // optional
	Logger   *slog.Logger            // optional
}

// Point is the document body of a raw metric sample.
type Point struct {
	Timestamp time.Time         `json:"@timestamp"`
	Name      string            `json:"name"`
	Type      event.MetricType  `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Help      string            `json:"help,omitempty"`
	EntryID   string            `json:"entry_id"`
	Stream    string            `json:"stream"`
}

// Handler implements consumer.Handler and consumer.Flusher for metric
// entries. It owns one aggregator and is used by a single worker.
type Handler struct {
	cfg     Config
	stream  string
	sink    sink.Sink
	store   *aggregator.Store
	agg     *aggregator.Aggregator
	clock   clock.Clock
	metrics *handlerMetrics
	logger  *slog.Logger

	docs      map[stream.ID]sink.Document
	unwritten []aggregator.Result
}

var (
	_ consumer.Handler = (*Handler)(nil)
	_ consumer.Flusher = (*Handler)(nil)
)

// New creates a metric handler
func New(deps Deps) (*Handler, error) {
	if deps.Sink == nil || deps.Stream == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "metrics.Handler", "New", "sink and stream are required")
	}
	cfg := deps.Config
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "killkrill"
	}
	if cfg.MaxUnwritten <= 0 {
		cfg.MaxUnwritten = DefaultMaxUnwritten
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "metrics-processor")
	}
	logger = logger.With("stream", deps.Stream)

	agg, err := aggregator.New(aggregator.Deps{
		Config:  cfg.Aggregator,
		Metrics: deps.Metrics,
		Logger:  logger,
		Name:    deps.Stream,
	})
	if err != nil {
		return nil, err
	}
	cfg.Aggregator = agg.Config()

	m, err := newHandlerMetrics(deps.Registry, deps.Stream)
	if err != nil {
		return nil, errors.WrapInvalid(err, "metrics.Handler", "New", "register metrics")
	}
	return &Handler{
		cfg:     cfg,
		stream:  deps.Stream,
		sink:    deps.Sink,
		store:   deps.Store,
		agg:     agg,
		clock:   clock.OrReal(deps.Clock),
		metrics: m,
		logger:  logger,
		docs:    make(map[stream.ID]sink.Document),
	}, nil
}

// Aggregator exposes the handler's aggregator
func (h *Handler) Aggregator() *aggregator.Aggregator { return h.agg }

// Process folds each sample into its window and renders its raw point. A late
// sample is still written as a point; only its window update is dropped.
func (h *Handler) Process(_ context.Context, entries []stream.Entry) []error {
	clear(h.docs)
	now := h.clock.Now().UTC()
	var errs []error
	fail := func(i int, err error) {
		if errs == nil {
			errs = make([]error, len(entries))
		}
		errs[i] = err
		h.metrics.recordSample("invalid")
	}

	for i, e := range entries {
		if e.Event.Kind != event.KindMetric || e.Event.Metric == nil {
			fail(i, errors.WrapInvalid(
				fmt.Errorf("%w: entry %s is %s, want metric", errors.ErrInvalidData, e.ID, e.Event.Kind),
				"metrics.Handler", "Process", "check event kind"))
			continue
		}
		entryID := e.ID.String()
		m := e.Event.Metric

		err := h.agg.Update(aggregator.SampleFromEvent(entryID, m), now)
		switch {
		case err == nil:
			h.metrics.recordSample("aggregated")
		case errors.Is(err, errors.ErrLateArrival):
			h.metrics.recordSample("late")
			h.logger.Debug("Late sample dropped from aggregation", "entry", entryID, "metric", m.Name, "error", err)
		default:
			fail(i, err)
			continue
		}

		doc, err := h.point(entryID, m)
		if err != nil {
			fail(i, err)
			continue
		}
		h.docs[e.ID] = doc
	}
	return errs
}

func (h *Handler) point(entryID string, m *event.MetricEvent) (sink.Document, error) {
	ts := m.Time()
	body, err := json.Marshal(Point{
		Timestamp: ts,
		Name:      m.Name,
		Type:      m.Type,
		Value:     m.Value,
		Labels:    m.Labels,
		Help:      m.Help,
		EntryID:   entryID,
		Stream:    h.stream,
	})
	if err != nil {
		return sink.Document{}, errors.WrapInvalid(err, "metrics.Handler", "Process", "encode point")
	}
	return sink.Document{
		ID:        event.DocumentID(h.stream, entryID),
		EntryID:   entryID,
		Kind:      sink.KindMetric,
		Index:     h.cfg.IndexPrefix + "-metrics-" + ts.Format("2006.01.02"),
		Timestamp: ts,
		Body:      body,
	}, nil
}

// Commit writes the raw points of entries.
func (h *Handler) Commit(ctx context.Context, entries []stream.Entry) error {
	docs := make([]sink.Document, 0, len(entries))
	byDoc := make(map[string]stream.ID, len(entries))
	for _, e := range entries {
		doc, ok := h.docs[e.ID]
		if !ok {
			return errors.WrapInvalid(fmt.Errorf("entry %s was not processed", e.ID), "metrics.Handler", "Commit", "look up document")
		}
		docs = append(docs, doc)
		byDoc[doc.ID] = e.ID
	}
	err := h.sink.Write(ctx, docs)
	if err == nil {
		return nil
	}
	failed := make(map[stream.ID]error)
	for docID, ferr := range sink.Failures(docs, err) {
		failed[byDoc[docID]] = ferr
	}
	h.logger.Warn("Sink write failed", "documents", len(docs), "failed", len(failed), "error", err)
	return &consumer.CommitError{Failed: failed}
}

// Flush closes due windows (all of them when final), publishes them to the
// store and writes them as aggregate documents. Windows whose write fails are
// retried on the next Flush.
func (h *Handler) Flush(ctx context.Context, now time.Time, final bool) error {
	var results []aggregator.Result
	if final {
		results = h.agg.FlushAll(now)
	} else {
		results = h.agg.FlushDue(now)
	}
	if len(results) > 0 && h.store != nil {
		h.store.Add(results...)
	}
	h.unwritten = append(h.unwritten, results...)
	if over := len(h.unwritten) - h.cfg.MaxUnwritten; over > 0 {
		h.logger.Error("Dropping unwritten aggregate windows", "count", over)
		h.metrics.recordAggregates("dropped", over)
		h.unwritten = append([]aggregator.Result(nil), h.unwritten[over:]...)
	}
	if len(h.unwritten) == 0 {
		return nil
	}

	docs := make([]sink.Document, 0, len(h.unwritten))
	for i := range h.unwritten {
		doc, err := h.aggregateDoc(&h.unwritten[i])
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}

	err := h.sink.Write(ctx, docs)
	failed := sink.Failures(docs, err)
	kept := h.unwritten[:0]
	for i, d := range docs {
		if _, bad := failed[d.ID]; bad {
			kept = append(kept, h.unwritten[i])
		}
	}
	h.metrics.recordAggregates("written", len(docs)-len(kept))
	h.unwritten = kept
	if err != nil {
		return errors.Wrap(err, "metrics.Handler", "Flush", "write aggregates")
	}
	return nil
}

func (h *Handler) aggregateDoc(r *aggregator.Result) (sink.Document, error) {
	key := r.Key().String()
	body, err := json.Marshal(r)
	if err != nil {
		return sink.Document{}, errors.WrapInvalid(err, "metrics.Handler", "Flush", "encode aggregate")
	}
	return sink.Document{
		ID:        event.DocumentID(h.stream, key),
		EntryID:   key,
		Kind:      sink.KindAggregate,
		Index:     h.cfg.IndexPrefix + "-aggregates-" + r.Start.Format("2006.01.02"),
		Timestamp: r.Start,
		Body:      body,
		Aggregate: r,
	}, nil
}
