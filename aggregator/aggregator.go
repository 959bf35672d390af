// Package aggregator keeps windowed statistics for metric samples.
//
// Samples are bucketed into fixed wall-clock windows keyed by metric name,
// label fingerprint and window start. Each window tracks count, sum, min, max,
// the most recent value by timestamp (authoritative for gauges) and a
// reservoir of at most ReservoirSize values for percentiles. Percentiles are
// exact while the window holds no more samples than the reservoir; beyond
// that the rank error is about 1/sqrt(ReservoirSize) with high probability.
//
// A window is flushed once its end passes, or early once it holds
// MaxWindowEntries samples. Flushed windows never reopen: a size flush starts
// a new segment for the same window, and a sample whose window has already
// ended is handled by the late policy.
//
// An Aggregator is owned by a single worker and is not safe for concurrent
// use; partition affinity keeps every sample of a metric on one worker.
package aggregator

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/metric"
)

// LatePolicy selects how samples for an already closed window are handled.
type LatePolicy string

// Late policies
const (
	// LateDrop rejects late samples with errors.ErrLateArrival.
	LateDrop LatePolicy = "drop"
	// LateGrace collects samples that arrive within Grace of the window end
	// into a separate late window.
	LateGrace LatePolicy = "grace"
)

// Flush triggers
const (
	TriggerTime     = "time"
	TriggerSize     = "size"
	TriggerShutdown = "shutdown"
)

// Defaults
const (
	DefaultWindowSize       = time.Minute
	DefaultMaxWindowEntries = 10000
	DefaultReservoirSize    = 1024
)

// Config configures windowing.
type Config struct {
	WindowSize       time.Duration `json:"window_size"`
	MaxWindowEntries int           `json:"max_window_entries"`
	ReservoirSize    int           `json:"reservoir_size"`
	LatePolicy       LatePolicy    `json:"late_policy"`
	Grace            time.Duration `json:"grace"`
}

// DefaultConfig returns one-minute windows with the drop policy.
func DefaultConfig() Config {
	return Config{
		WindowSize:       DefaultWindowSize,
		MaxWindowEntries: DefaultMaxWindowEntries,
		ReservoirSize:    DefaultReservoirSize,
		LatePolicy:       LateDrop,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive")
	}
	if c.MaxWindowEntries <= 0 {
		return fmt.Errorf("max_window_entries must be positive")
	}
	if c.ReservoirSize <= 0 {
		return fmt.Errorf("reservoir_size must be positive")
	}
	switch c.LatePolicy {
	case LateDrop:
	case LateGrace:
		if c.Grace <= 0 {
			return fmt.Errorf("grace must be positive with late_policy %q", LateGrace)
		}
	default:
		return fmt.Errorf("unknown late_policy %q", c.LatePolicy)
	}
	return nil
}

// Deps holds runtime dependencies
type Deps struct {
	Config  Config
	Metrics *metric.Metrics
	Logger  *slog.Logger
	// Name labels the open-windows gauge, typically the worker id.
	Name string
}

type baseKey struct {
	name   string
	labels string
	start  time.Time
}

// Aggregator holds the open windows of one worker.
type Aggregator struct {
	cfg     Config
	metrics *metric.Metrics
	logger  *slog.Logger
	name    string

	windows  map[Key]*Window
	segments map[baseKey]int
	// seen holds the entry ids folded into each base window across all of
	// its segments and its late window. It outlives size flushes and is
	// dropped once the window can no longer accept samples.
	seen  map[baseKey]map[string]struct{}
	ready []Result
	// watermark is the latest time passed to FlushDue; windows ending at or
	// before it are closed.
	watermark time.Time
}

// New creates an aggregator. Zero config fields take their defaults.
func New(deps Deps) (*Aggregator, error) {
	cfg := deps.Config
	if cfg.WindowSize == 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.MaxWindowEntries == 0 {
		cfg.MaxWindowEntries = DefaultMaxWindowEntries
	}
	if cfg.ReservoirSize == 0 {
		cfg.ReservoirSize = DefaultReservoirSize
	}
	if cfg.LatePolicy == "" {
		cfg.LatePolicy = LateDrop
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Aggregator", "New", "validate config")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "aggregator")
	}
	return &Aggregator{
		cfg:      cfg,
		metrics:  deps.Metrics,
		logger:   logger,
		name:     deps.Name,
		windows:  make(map[Key]*Window),
		segments: make(map[baseKey]int),
		seen:     make(map[baseKey]map[string]struct{}),
	}, nil
}

// Config returns the effective configuration
func (a *Aggregator) Config() Config { return a.cfg }

// Update folds s into its window. now is the arrival time used by the late
// policy. A repeated entry id for the same window is ignored, even when the
// first delivery has already been flushed by size.
func (a *Aggregator) Update(s Sample, now time.Time) error {
	start := s.Timestamp.UTC().Truncate(a.cfg.WindowSize)
	end := start.Add(a.cfg.WindowSize)
	base := baseKey{name: s.Name, labels: Fingerprint(s.Labels), start: start}

	if s.EntryID != "" {
		if _, dup := a.seen[base][s.EntryID]; dup {
			return nil
		}
	}

	key := Key{Name: base.name, Labels: base.labels, Start: start}
	if !a.watermark.IsZero() && !end.After(a.watermark) {
		if a.cfg.LatePolicy != LateGrace || !now.Before(end.Add(a.cfg.Grace)) {
			a.metrics.RecordLateSample("dropped")
			return fmt.Errorf("%s window %s: %w", s.Name, start.Format(time.RFC3339), errors.ErrLateArrival)
		}
		key.Late = true
		a.metrics.RecordLateSample("grace")
	} else {
		key.Segment = a.segments[base]
	}

	w, ok := a.windows[key]
	if !ok {
		w = newWindow(key, s, a.cfg.WindowSize, a.cfg.ReservoirSize)
		a.windows[key] = w
		a.metrics.RecordOpenWindows(a.name, len(a.windows))
	} else if w.typ != s.Type {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s is %s, sample is %s", s.Name, w.typ, s.Type),
			"Aggregator", "Update", "check metric type")
	}

	w.add(s, a.cfg.ReservoirSize)
	if s.EntryID != "" {
		ids := a.seen[base]
		if ids == nil {
			ids = make(map[string]struct{})
			a.seen[base] = ids
		}
		ids[s.EntryID] = struct{}{}
	}

	if !key.Late && w.count >= int64(a.cfg.MaxWindowEntries) {
		a.ready = append(a.ready, w.result(TriggerSize, now))
		delete(a.windows, key)
		a.segments[base] = key.Segment + 1
		a.metrics.RecordOpenWindows(a.name, len(a.windows))
	}
	return nil
}

// FlushDue returns and removes every window that has ended by now, late
// windows whose grace period has passed, and windows already closed by size.
func (a *Aggregator) FlushDue(now time.Time) []Result {
	if now.After(a.watermark) {
		a.watermark = now
	}

	out := a.ready
	a.ready = nil
	sizeFlushed := len(out)

	timeFlushed := 0
	for key, w := range a.windows {
		due := !w.end.After(now)
		if key.Late {
			due = !w.end.Add(a.cfg.Grace).After(now)
		}
		if !due {
			continue
		}
		out = append(out, w.result(TriggerTime, now))
		delete(a.windows, key)
		timeFlushed++
	}

	for base := range a.segments {
		if !base.start.Add(a.cfg.WindowSize).After(now) {
			delete(a.segments, base)
		}
	}
	for base := range a.seen {
		if !a.closedAt(base).After(now) {
			delete(a.seen, base)
		}
	}

	if sizeFlushed > 0 {
		a.metrics.RecordWindowFlush(TriggerSize, sizeFlushed)
	}
	if timeFlushed > 0 {
		a.metrics.RecordWindowFlush(TriggerTime, timeFlushed)
		a.metrics.RecordOpenWindows(a.name, len(a.windows))
	}
	sortResults(out)
	return out
}

// FlushAll returns every open window regardless of its end, for shutdown.
func (a *Aggregator) FlushAll(now time.Time) []Result {
	out := a.ready
	a.ready = nil
	for key, w := range a.windows {
		out = append(out, w.result(TriggerShutdown, now))
		delete(a.windows, key)
		if !key.Late {
			base := baseKey{name: key.Name, labels: key.Labels, start: key.Start}
			a.segments[base] = key.Segment + 1
		}
	}
	if len(out) > 0 {
		a.metrics.RecordWindowFlush(TriggerShutdown, len(out))
		a.metrics.RecordOpenWindows(a.name, 0)
	}
	sortResults(out)
	return out
}

// closedAt is when base stops accepting samples under the late policy.
func (a *Aggregator) closedAt(base baseKey) time.Time {
	end := base.start.Add(a.cfg.WindowSize)
	if a.cfg.LatePolicy == LateGrace {
		end = end.Add(a.cfg.Grace)
	}
	return end
}

// OpenWindows returns the number of windows held in memory.
func (a *Aggregator) OpenWindows() int { return len(a.windows) }

func sortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if fa, fb := Fingerprint(a.Labels), Fingerprint(b.Labels); fa != fb {
			return fa < fb
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Late != b.Late {
			return !a.Late
		}
		return a.Segment < b.Segment
	})
}
