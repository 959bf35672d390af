// Package sink defines where processed documents are written and provides the
// concrete sinks: memory, SQLite, PostgreSQL, Elasticsearch, object archive
// and Prometheus Pushgateway.
//
// Every document carries a deterministic ID derived from its stream entry, and
// every sink writes by that ID as an upsert. Writing the same batch twice
// leaves exactly one record per document, so redelivery after a crash is
// harmless.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/penguintechinc/killkrill-sub000/aggregator"
	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/metric"
)

// Kind classifies a document.
type Kind string

// Document kinds
const (
	KindLog       Kind = "log"
	KindMetric    Kind = "metric"
	KindAggregate Kind = "aggregate"
)

// Document is one record destined for the sinks.
type Document struct {
	// ID is the idempotency key; see event.DocumentID.
	ID string `json:"id"`
	// EntryID is the originating stream position, or the window key for
	// aggregates.
	EntryID   string    `json:"entry_id"`
	Kind      Kind      `json:"kind"`
	Index     string    `json:"index,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Body is the JSON rendering written by document stores.
	Body json.RawMessage `json:"body"`
	// Aggregate is set for KindAggregate documents.
	Aggregate *aggregator.Result `json:"-"`
}

// Sink writes documents.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Write upserts docs by ID. A partial failure is reported as a
	// *WriteError naming the failed documents; any other error means none of
	// the batch can be assumed written.
	Write(ctx context.Context, docs []Document) error
	Close() error
}

// Pinger is implemented by sinks that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Accepter is implemented by sinks that only handle some document kinds.
// Documents a sink does not accept count as written for that sink.
type Accepter interface {
	Accepts(kind Kind) bool
}

func accepts(s Sink, kind Kind) bool {
	if a, ok := s.(Accepter); ok {
		return a.Accepts(kind)
	}
	return true
}

// WriteError reports the documents a batch write could not persist.
type WriteError struct {
	Sink   string
	Failed map[string]error // by document ID
}

func (e *WriteError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	first := e.Failed[ids[0]]
	return fmt.Sprintf("%s: %d documents failed (first %s: %v)", e.Sink, len(ids), ids[0], first)
}

// Unwrap exposes the per-document causes to errors.Is.
func (e *WriteError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// Failures maps each document of docs to its error after a Write returned
// err. Documents absent from the result were written.
func Failures(docs []Document, err error) map[string]error {
	if err == nil {
		return nil
	}
	var we *WriteError
	if errors.As(err, &we) {
		return we.Failed
	}
	out := make(map[string]error, len(docs))
	for _, d := range docs {
		out[d.ID] = err
	}
	return out
}

// filter returns the documents s accepts.
func filter(s Sink, docs []Document) []Document {
	if _, ok := s.(Accepter); !ok {
		return docs
	}
	out := docs[:0:0]
	for _, d := range docs {
		if accepts(s, d.Kind) {
			out = append(out, d)
		}
	}
	return out
}

// Instrumented records write counts and latency for a sink.
type Instrumented struct {
	Sink
	metrics *metric.Metrics
}

// Instrument wraps s with metrics. A nil metrics set returns s unchanged.
func Instrument(s Sink, m *metric.Metrics) Sink {
	if m == nil {
		return s
	}
	return &Instrumented{Sink: s, metrics: m}
}

// Write implements Sink
func (i *Instrumented) Write(ctx context.Context, docs []Document) error {
	docs = filter(i.Sink, docs)
	if len(docs) == 0 {
		return nil
	}
	start := time.Now()
	err := i.Sink.Write(ctx, docs)
	d := time.Since(start)

	failed := len(Failures(docs, err))
	if ok := len(docs) - failed; ok > 0 {
		i.metrics.RecordSinkWrite(i.Name(), "success", ok, d)
	}
	if failed > 0 {
		i.metrics.RecordSinkWrite(i.Name(), "failed", failed, d)
	}
	return err
}

// Ping forwards to the wrapped sink when it supports it.
func (i *Instrumented) Ping(ctx context.Context) error {
	if p, ok := i.Sink.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Accepts forwards to the wrapped sink.
func (i *Instrumented) Accepts(kind Kind) bool { return accepts(i.Sink, kind) }

// Only restricts s to the given kinds.
func Only(s Sink, kinds ...Kind) Sink {
	if len(kinds) == 0 {
		return s
	}
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &only{Sink: s, kinds: set}
}

type only struct {
	Sink
	kinds map[Kind]bool
}

func (o *only) Accepts(kind Kind) bool { return o.kinds[kind] && accepts(o.Sink, kind) }

func (o *only) Write(ctx context.Context, docs []Document) error {
	docs = filter(o, docs)
	if len(docs) == 0 {
		return nil
	}
	return o.Sink.Write(ctx, docs)
}

func (o *only) Ping(ctx context.Context) error {
	if p, ok := o.Sink.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
