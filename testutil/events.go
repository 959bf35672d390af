// Package testutil holds event fixtures and wire payload builders shared by
// killkrill's tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/pkg/timestamp"
)

// BaseTime is the default fixture timestamp.
var BaseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// LogOption adjusts a fixture log event.
type LogOption func(*event.LogEvent)

// WithService sets the service name.
func WithService(s string) LogOption { return func(l *event.LogEvent) { l.Service = s } }

// WithLevel sets the level.
func WithLevel(lv event.Level) LogOption { return func(l *event.LogEvent) { l.Level = lv } }

// WithMessage sets the message.
func WithMessage(m string) LogOption { return func(l *event.LogEvent) { l.Message = m } }

// WithTime sets the timestamp.
func WithTime(t time.Time) LogOption { return func(l *event.LogEvent) { l.Timestamp = t } }

// WithLabels sets labels from alternating key, value arguments.
func WithLabels(kv ...string) LogOption {
	return func(l *event.LogEvent) { l.Labels = Labels(kv...) }
}

// WithTrace sets trace and span IDs.
func WithTrace(traceID, spanID string) LogOption {
	return func(l *event.LogEvent) {
		l.TraceID = traceID
		l.SpanID = spanID
	}
}

// Log builds a log event: service "api", level info, at BaseTime.
func Log(opts ...LogOption) event.Event {
	l := event.LogEvent{
		Timestamp: BaseTime,
		Service:   "api",
		Level:     event.LevelInfo,
		Message:   "request served",
	}
	for _, opt := range opts {
		opt(&l)
	}
	return event.NewLog(l)
}

// NumberedLog builds a log event whose message is "message i".
func NumberedLog(i int, opts ...LogOption) event.Event {
	return Log(append([]LogOption{WithMessage(fmt.Sprintf("message %d", i))}, opts...)...)
}

// Metric builds a metric sample. kv are alternating label keys and values.
func Metric(name string, typ event.MetricType, value float64, at time.Time, kv ...string) event.Event {
	return event.NewMetric(event.MetricEvent{
		Name:      name,
		Type:      typ,
		Value:     value,
		Labels:    Labels(kv...),
		Timestamp: timestamp.ToEpochSeconds(at),
	})
}

// Labels turns alternating key, value arguments into a map. An odd trailing
// key is ignored. No arguments give nil.
func Labels(kv ...string) map[string]string {
	if len(kv) < 2 {
		return nil
	}
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

// LogPayload renders n log submissions in the HTTP wire format, all stamped
// at.
func LogPayload(t testing.TB, n int, at time.Time) []byte {
	t.Helper()
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{
			"timestamp": timestamp.Format(at),
			"service":   "api",
			"level":     "info",
			"message":   fmt.Sprintf("message %d", i),
		}
	}
	return mustJSON(t, items)
}

// MetricSample is one metric in wire form.
type MetricSample struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
	At     time.Time         `json:"-"`
}

// MetricPayload renders samples in the HTTP wire format with epoch second
// timestamps.
func MetricPayload(t testing.TB, samples ...MetricSample) []byte {
	t.Helper()
	type wire struct {
		MetricSample
		Timestamp float64 `json:"timestamp"`
	}
	items := make([]wire, len(samples))
	for i, s := range samples {
		items[i] = wire{MetricSample: s, Timestamp: timestamp.ToEpochSeconds(s.At)}
	}
	return mustJSON(t, items)
}

func mustJSON(t testing.TB, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return b
}
