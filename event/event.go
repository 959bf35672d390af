// Package event defines the canonical log and metric records accepted by the
// receivers, their validation rules and the documents rendered from them.
//
// An Event is a tagged variant: exactly one of Log or Metric is set, selected
// by Kind. Receivers decode wire payloads into Events and validate them before
// they are appended to a stream; workers only ever see typed Events.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/penguintechinc/killkrill-sub000/pkg/timestamp"
)

// Kind discriminates the Event variant.
type Kind string

// Event kinds
const (
	KindLog    Kind = "log"
	KindMetric Kind = "metric"
)

// Protocols a log event can arrive on.
const (
	ProtocolHTTP   = "http"
	ProtocolSyslog = "syslog"
)

// LogEvent is a single log record.
type LogEvent struct {
	Timestamp time.Time         `json:"timestamp" cbor:"timestamp"`
	Service   string            `json:"service" cbor:"service"`
	Level     Level             `json:"level" cbor:"level"`
	Message   string            `json:"message" cbor:"message"`
	Labels    map[string]string `json:"labels,omitempty" cbor:"labels,omitempty"`

	Host     string   `json:"host,omitempty" cbor:"host,omitempty"`
	Logger   string   `json:"logger,omitempty" cbor:"logger,omitempty"`
	Facility string   `json:"facility,omitempty" cbor:"facility,omitempty"`
	SourceIP string   `json:"source_ip,omitempty" cbor:"source_ip,omitempty"`
	Protocol string   `json:"protocol,omitempty" cbor:"protocol,omitempty"`
	TraceID  string   `json:"trace_id,omitempty" cbor:"trace_id,omitempty"`
	SpanID   string   `json:"span_id,omitempty" cbor:"span_id,omitempty"`
	Tags     []string `json:"tags,omitempty" cbor:"tags,omitempty"`
	Raw      string   `json:"raw,omitempty" cbor:"raw,omitempty"`
}

// MetricType is the kind of metric sample.
type MetricType string

// Metric types
const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// ParseMetricType parses a metric type name, case-insensitively.
func ParseMetricType(s string) (MetricType, bool) {
	switch t := MetricType(strings.ToLower(strings.TrimSpace(s))); t {
	case MetricCounter, MetricGauge, MetricHistogram:
		return t, true
	default:
		return MetricType(s), false
	}
}

// MetricEvent is a single metric sample. Timestamp is in epoch seconds and
// may carry a fractional part.
type MetricEvent struct {
	Name      string            `json:"name" cbor:"name"`
	Type      MetricType        `json:"type" cbor:"type"`
	Value     float64           `json:"value" cbor:"value"`
	Labels    map[string]string `json:"labels,omitempty" cbor:"labels,omitempty"`
	Timestamp float64           `json:"timestamp" cbor:"timestamp"`
	Help      string            `json:"help,omitempty" cbor:"help,omitempty"`
}

// Time returns the sample timestamp as a UTC time.
func (m MetricEvent) Time() time.Time {
	return EpochSeconds(m.Timestamp)
}

// EpochSeconds converts fractional epoch seconds to a UTC time with
// microsecond precision.
func EpochSeconds(ts float64) time.Time { return timestamp.FromEpochSeconds(ts) }

// Event is the tagged union carried through the stream.
type Event struct {
	Kind   Kind         `json:"kind" cbor:"kind"`
	Log    *LogEvent    `json:"log,omitempty" cbor:"log,omitempty"`
	Metric *MetricEvent `json:"metric,omitempty" cbor:"metric,omitempty"`
}

// NewLog wraps a log record. The timestamp is normalised to UTC.
func NewLog(l LogEvent) Event {
	l.Timestamp = l.Timestamp.UTC()
	return Event{Kind: KindLog, Log: &l}
}

// NewMetric wraps a metric sample.
func NewMetric(m MetricEvent) Event {
	return Event{Kind: KindMetric, Metric: &m}
}

// PartitionKey is the routing key: the service for logs and the metric name
// for metrics. All samples of one metric therefore land on one partition.
func (e Event) PartitionKey() string {
	switch {
	case e.Kind == KindLog && e.Log != nil:
		return e.Log.Service
	case e.Kind == KindMetric && e.Metric != nil:
		return e.Metric.Name
	default:
		return ""
	}
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	switch {
	case e.Kind == KindLog && e.Log != nil:
		return e.Log.Timestamp
	case e.Kind == KindMetric && e.Metric != nil:
		return e.Metric.Time()
	default:
		return time.Time{}
	}
}

// String implements fmt.Stringer for log output.
func (e Event) String() string {
	switch {
	case e.Kind == KindLog && e.Log != nil:
		return fmt.Sprintf("log{service=%s level=%s}", e.Log.Service, e.Log.Level)
	case e.Kind == KindMetric && e.Metric != nil:
		return fmt.Sprintf("metric{name=%s type=%s value=%g}", e.Metric.Name, e.Metric.Type, e.Metric.Value)
	default:
		return fmt.Sprintf("event{kind=%s}", e.Kind)
	}
}
