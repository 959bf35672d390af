package sink

import (
	"context"
	"log/slog"
	"sync"
)

// Fanout writes every batch to all of its sinks concurrently. A document
// counts as written only when every sink that accepts it wrote it.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout combines sinks.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default().With("component", "sink")
	}
	return &Fanout{sinks: sinks, logger: logger}
}

// Name implements Sink
func (f *Fanout) Name() string { return "fanout" }

// Sinks returns the combined sinks.
func (f *Fanout) Sinks() []Sink { return f.sinks }

// Write implements Sink
func (f *Fanout) Write(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	errs := make([]error, len(f.sinks))
	batches := make([][]Document, len(f.sinks))
	var wg sync.WaitGroup
	for i, s := range f.sinks {
		batch := filter(s, docs)
		if len(batch) == 0 {
			continue
		}
		batches[i] = batch
		wg.Add(1)
		go func(i int, s Sink) {
			defer wg.Done()
			errs[i] = s.Write(ctx, batch)
		}(i, s)
	}
	wg.Wait()

	failed := make(map[string]error)
	for i, err := range errs {
		if err == nil {
			continue
		}
		f.logger.Warn("sink write failed",
			"sink", f.sinks[i].Name(),
			"documents", len(batches[i]),
			"error", err)
		for id, cause := range Failures(batches[i], err) {
			if _, seen := failed[id]; !seen {
				failed[id] = cause
			}
		}
	}
	if len(failed) > 0 {
		return &WriteError{Sink: f.Name(), Failed: failed}
	}
	return nil
}

// Ping checks every sink that supports it.
func (f *Fanout) Ping(ctx context.Context) error {
	for _, s := range f.sinks {
		if p, ok := s.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes every sink and returns the first error.
func (f *Fanout) Close() error {
	var first error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
