// Package logs renders log entries as Elastic Common Schema documents and
// commits them to the sinks.
package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/penguintechinc/killkrill-sub000/consumer"
	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
	"github.com/penguintechinc/killkrill-sub000/sink"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

// Config configures the log pipeline.
type Config struct {
	// IndexPrefix names the daily indices, "<prefix>-logs-YYYY.MM.DD".
	IndexPrefix string `json:"index_prefix"`
}

// Deps holds runtime dependencies
type Deps struct {
	Config Config
	// Stream is the partition name the handler consumes; it seeds document ids.
	Stream   string
	Sink     sink.Sink
	Registry *metric.MetricsRegistry // optional
	Clock    clock.Clock             // optional
	Logger   *slog.Logger            // optional
}

// Handler implements consumer.Handler for log entries. It is owned by a
// single worker.
type Handler struct {
	cfg     Config
	stream  string
	sink    sink.Sink
	clock   clock.Clock
	metrics *handlerMetrics
	logger  *slog.Logger

	docs map[stream.ID]sink.Document
}

var _ consumer.Handler = (*Handler)(nil)

// New creates a log handler
func New(deps Deps) (*Handler, error) {
	if deps.Sink == nil || deps.Stream == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "logs.Handler", "New", "sink and stream are required")
	}
	if deps.Config.IndexPrefix == "" {
		deps.Config.IndexPrefix = "killkrill"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "logs-processor")
	}
	m, err := newHandlerMetrics(deps.Registry, deps.Stream)
	if err != nil {
		return nil, errors.WrapInvalid(err, "logs.Handler", "New", "register metrics")
	}
	return &Handler{
		cfg:     deps.Config,
		stream:  deps.Stream,
		sink:    deps.Sink,
		clock:   clock.OrReal(deps.Clock),
		metrics: m,
		logger:  logger.With("stream", deps.Stream),
		docs:    make(map[stream.ID]sink.Document),
	}, nil
}

// Process renders each entry; an entry that is not a log event is invalid.
func (h *Handler) Process(_ context.Context, entries []stream.Entry) []error {
	clear(h.docs)
	now := h.clock.Now().UTC()
	var errs []error
	for i, e := range entries {
		doc, err := h.render(e, now)
		if err != nil {
			if errs == nil {
				errs = make([]error, len(entries))
			}
			errs[i] = err
			h.metrics.recordRejected()
			continue
		}
		h.docs[e.ID] = doc
		h.metrics.recordRendered(string(e.Event.Log.Level))
	}
	return errs
}

func (h *Handler) render(e stream.Entry, now time.Time) (sink.Document, error) {
	if e.Event.Kind != event.KindLog || e.Event.Log == nil {
		return sink.Document{}, errors.WrapInvalid(
			fmt.Errorf("%w: entry %s is %s, want log", errors.ErrInvalidData, e.ID, e.Event.Kind),
			"logs.Handler", "Process", "check event kind")
	}
	entryID := e.ID.String()
	ecs := e.Event.Log.ToECS(h.stream, entryID, now)
	body, err := json.Marshal(ecs)
	if err != nil {
		return sink.Document{}, errors.WrapInvalid(err, "logs.Handler", "Process", "encode document")
	}
	return sink.Document{
		ID:        event.DocumentID(h.stream, entryID),
		EntryID:   entryID,
		Kind:      sink.KindLog,
		Index:     event.IndexName(h.cfg.IndexPrefix, e.Event.Log.Timestamp),
		Timestamp: e.Event.Log.Timestamp,
		Body:      body,
	}, nil
}

// Commit writes the rendered documents in one sink call.
func (h *Handler) Commit(ctx context.Context, entries []stream.Entry) error {
	docs := make([]sink.Document, 0, len(entries))
	byDoc := make(map[string]stream.ID, len(entries))
	for _, e := range entries {
		doc, ok := h.docs[e.ID]
		if !ok {
			return errors.WrapInvalid(fmt.Errorf("entry %s was not processed", e.ID), "logs.Handler", "Commit", "look up document")
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
