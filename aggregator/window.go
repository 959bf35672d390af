package aggregator

import (
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/penguintechinc/killkrill-sub000/event"
)

// Key identifies one aggregation window.
type Key struct {
	Name   string
	Labels string // canonical "k=v,k=v" fingerprint
	Start  time.Time
	// Late marks the grace-period window collecting samples that arrived
	// after the regular window closed.
	Late bool
	// Segment counts size-triggered flushes of the same (name, labels, start).
	Segment int
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Name)
	b.WriteByte('{')
	b.WriteString(k.Labels)
	b.WriteByte('}')
	b.WriteByte('@')
	b.WriteString(k.Start.UTC().Format(time.RFC3339))
	if k.Late {
		b.WriteString("/late")
	}
	if k.Segment > 0 {
		b.WriteByte('#')
		b.WriteString(strconv.Itoa(k.Segment))
	}
	return b.String()
}

// Fingerprint renders labels in sorted key order.
func Fingerprint(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// Sample is one metric observation fed to the aggregator.
type Sample struct {
	// EntryID is the stream position the sample came from; repeated ids
	// for the same window are ignored.
	EntryID   string
	Name      string
	Type      event.MetricType
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

// SampleFromEvent converts a metric event.
func SampleFromEvent(entryID string, m *event.MetricEvent) Sample {
	return Sample{
		EntryID:   entryID,
		Name:      m.Name,
		Type:      m.Type,
		Value:     m.Value,
		Labels:    m.Labels,
		Timestamp: m.Time(),
	}
}

// Result is a flushed window.
type Result struct {
	Name          string            `json:"name"`
	Type          event.MetricType  `json:"type"`
	Labels        map[string]string `json:"labels,omitempty"`
	Start         time.Time         `json:"window_start"`
	End           time.Time         `json:"window_end"`
	Late          bool              `json:"late,omitempty"`
	Segment       int               `json:"segment,omitempty"`
	Count         int64             `json:"count"`
	Sum           float64           `json:"sum"`
	Min           float64           `json:"min"`
	Max           float64           `json:"max"`
	Mean          float64           `json:"mean"`
	Last          float64           `json:"last"`
	LastTimestamp time.Time         `json:"last_timestamp"`
	P50           float64           `json:"p50"`
	P90           float64           `json:"p90"`
	P95           float64           `json:"p95"`
	P99           float64           `json:"p99"`
	// Exact reports whether percentiles were computed over every sample.
	Exact     bool      `json:"exact"`
	Trigger   string    `json:"trigger"`
	FlushedAt time.Time `json:"flushed_at"`
}

// Value is the authoritative number for the window: the most recent
// observation for gauges, the sum otherwise.
func (r Result) Value() float64 {
	if r.Type == event.MetricGauge {
		return r.Last
	}
	return r.Sum
}

// Window holds the running statistics of one key.
type Window struct {
	key    Key
	typ    event.MetricType
	labels map[string]string
	end    time.Time

	count  int64
	sum    float64
	min    float64
	max    float64
	last   float64
	lastTS time.Time

	reservoir []float64
	rng       *rand.Rand
}

func newWindow(key Key, s Sample, size time.Duration, reservoirSize int) *Window {
	seed := murmur3.Sum64([]byte(key.String()))
	return &Window{
		key:       key,
		typ:       s.Type,
		labels:    s.Labels,
		end:       key.Start.Add(size),
		min:       math.Inf(1),
		max:       math.Inf(-1),
		reservoir: make([]float64, 0, min(reservoirSize, 64)),
		rng:       rand.New(rand.NewSource(int64(seed))),
	}
}

// add folds s into the window.
func (w *Window) add(s Sample, reservoirSize int) {
	w.count++
	w.sum += s.Value
	w.min = math.Min(w.min, s.Value)
	w.max = math.Max(w.max, s.Value)
	if w.lastTS.IsZero() || !s.Timestamp.Before(w.lastTS) {
		w.last = s.Value
		w.lastTS = s.Timestamp
	}

	// Algorithm R
	if len(w.reservoir) < reservoirSize {
		w.reservoir = append(w.reservoir, s.Value)
	} else if j := w.rng.Int63n(w.count); j < int64(reservoirSize) {
		w.reservoir[j] = s.Value
	}
}

// Count returns the number of observations
func (w *Window) Count() int64 { return w.count }

func (w *Window) result(trigger string, now time.Time) Result {
	r := Result{
		Name:          w.key.Name,
		Type:          w.typ,
		Labels:        w.labels,
		Start:         w.key.Start,
		End:           w.end,
		Late:          w.key.Late,
		Segment:       w.key.Segment,
		Count:         w.count,
		Sum:           w.sum,
		Min:           w.min,
		Max:           w.max,
		Last:          w.last,
		LastTimestamp: w.lastTS,
		Exact:         w.count <= int64(len(w.reservoir)),
		Trigger:       trigger,
		FlushedAt:     now,
	}
	if w.count > 0 {
		r.Mean = w.sum / float64(w.count)
	}
	if len(w.reservoir) > 0 {
		sorted := append([]float64(nil), w.reservoir...)
		sort.Float64s(sorted)
		r.P50 = percentile(sorted, 0.50)
		r.P90 = percentile(sorted, 0.90)
		r.P95 = percentile(sorted, 0.95)
		r.P99 = percentile(sorted, 0.99)
	}
	return r
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := p * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	weight := pos - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Key returns the window key the result was flushed from.
func (r Result) Key() Key {
	return Key{Name: r.Name, Labels: Fingerprint(r.Labels), Start: r.Start, Late: r.Late, Segment: r.Segment}
}
