package event

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/timestamp"
)

// Field limits
const (
	MaxServiceLen    = 128
	MaxMessageLen    = 10000
	MaxLabels        = 64
	MaxLabelKeyLen   = 128
	MaxLabelValueLen = 1024
	MaxTags          = 32
	MaxRawLen        = 16 * 1024
	MaxMetricNameLen = 200
	MaxHelpLen       = 512
)

var (
	serviceRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	// Prometheus name grammar, so names reach the pushgateway unchanged.
	metricNameRe = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)
)

// Limits bounds acceptable timestamps and batch sizes.
type Limits struct {
	// MaxFutureSkew is how far ahead of the receive time a timestamp may be.
	MaxFutureSkew time.Duration `json:"max_future_skew"`
	// MaxRetentionAge is the oldest acceptable log timestamp.
	MaxRetentionAge time.Duration `json:"max_retention_age"`
	// MaxMetricAge is the oldest acceptable metric timestamp.
	MaxMetricAge time.Duration `json:"max_metric_age"`
	// MaxBatch is the largest number of events in one submission.
	MaxBatch int `json:"max_batch"`
}

// DefaultLimits matches the retention of the default sinks: 30 days for
// logs, 90 days for metrics.
func DefaultLimits() Limits {
	return Limits{
		MaxFutureSkew:   5 * time.Minute,
		MaxRetentionAge: 30 * 24 * time.Hour,
		MaxMetricAge:    90 * 24 * time.Hour,
		MaxBatch:        1000,
	}
}

// FieldError describes one rejected field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (fe FieldError) String() string {
	return fe.Field + ": " + fe.Reason
}

// ValidationError carries every field problem found in an event or batch.
// It matches errors.ErrValidation with errors.Is.
type ValidationError struct {
	Fields []FieldError
}

func (ve *ValidationError) Error() string {
	if len(ve.Fields) == 0 {
		return errors.ErrValidation.Error()
	}
	parts := make([]string, 0, len(ve.Fields))
	for _, f := range ve.Fields {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%s: %s", errors.ErrValidation, strings.Join(parts, "; "))
}

// Unwrap makes errors.Is(err, errors.ErrValidation) hold.
func (ve *ValidationError) Unwrap() error {
	return errors.ErrValidation
}

type fieldErrors []FieldError

func (fe *fieldErrors) add(field, format string, args ...any) {
	*fe = append(*fe, FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

func (fe fieldErrors) err() error {
	if len(fe) == 0 {
		return nil
	}
	return &ValidationError{Fields: fe}
}

// Validate checks the event against its variant's rules. now is the receive
// time used for skew and age bounds.
func (e Event) Validate(now time.Time, limits Limits) error {
	var fe fieldErrors
	e.validate(&fe, "", now, limits)
	return fe.err()
}

func (e Event) validate(fe *fieldErrors, prefix string, now time.Time, limits Limits) {
	switch e.Kind {
	case KindLog:
		if e.Log == nil || e.Metric != nil {
			fe.add(prefix+"kind", "log event must carry exactly one log record")
			return
		}
		e.Log.validate(fe, prefix, now, limits)
	case KindMetric:
		if e.Metric == nil || e.Log != nil {
			fe.add(prefix+"kind", "metric event must carry exactly one metric sample")
			return
		}
		e.Metric.validate(fe, prefix, now, limits)
	default:
		fe.add(prefix+"kind", "must be one of log|metric")
	}
}

// ValidateBatch validates every event and reports all problems with an index
// prefix, e.g. "[2].level".
func ValidateBatch(events []Event, now time.Time, limits Limits) error {
	var fe fieldErrors
	if len(events) == 0 {
		fe.add("body", "at least one event is required")
		return fe.err()
	}
	if limits.MaxBatch > 0 && len(events) > limits.MaxBatch {
		fe.add("body", "batch of %d exceeds limit of %d events", len(events), limits.MaxBatch)
		return fe.err()
	}
	for i, e := range events {
		e.validate(&fe, fmt.Sprintf("[%d].", i), now, limits)
	}
	return fe.err()
}

func validateTimestamp(fe *fieldErrors, field string, ts, now time.Time, maxAge time.Duration, skew time.Duration) {
	if ts.IsZero() {
		fe.add(field, "required")
		return
	}
	switch d := timestamp.Skew(ts, now, skew, maxAge); {
	case d > 0:
		fe.add(field, "more than %s in the future", skew)
	case d < 0:
		fe.add(field, "older than %s", maxAge)
	}
}

func validateLabels(fe *fieldErrors, field string, labels map[string]string) {
	if len(labels) > MaxLabels {
		fe.add(field, "at most %d labels allowed, got %d", MaxLabels, len(labels))
		return
	}
	for k, v := range labels {
		switch {
		case k == "":
			fe.add(field, "label names must not be empty")
		case len(k) > MaxLabelKeyLen:
			fe.add(field+"."+k[:16], "label name longer than %d bytes", MaxLabelKeyLen)
		case len(v) > MaxLabelValueLen:
			fe.add(field+"."+k, "label value longer than %d bytes", MaxLabelValueLen)
		}
	}
}

func (l *LogEvent) validate(fe *fieldErrors, prefix string, now time.Time, limits Limits) {
	validateTimestamp(fe, prefix+"timestamp", l.Timestamp, now, limits.MaxRetentionAge, limits.MaxFutureSkew)

	switch {
	case l.Service == "":
		fe.add(prefix+"service", "required")
	case len(l.Service) > MaxServiceLen:
		fe.add(prefix+"service", "longer than %d characters", MaxServiceLen)
	case !serviceRe.MatchString(l.Service):
		fe.add(prefix+"service", "must match [A-Za-z0-9_.-]+")
	}

	if !l.Level.Valid() {
		if l.Level == "" {
			fe.add(prefix+"level", "required")
		} else {
			fe.add(prefix+"level", "must be one of debug|info|warn|error")
		}
	}

	switch n := utf8.RuneCountInString(l.Message); {
	case n == 0:
		fe.add(prefix+"message", "required")
	case n > MaxMessageLen:
		fe.add(prefix+"message", "longer than %d characters", MaxMessageLen)
	}

	validateLabels(fe, prefix+"labels", l.Labels)

	if len(l.Tags) > MaxTags {
		fe.add(prefix+"tags", "at most %d tags allowed", MaxTags)
	}
	if len(l.Raw) > MaxRawLen {
		fe.add(prefix+"raw", "longer than %d bytes", MaxRawLen)
	}
	if l.Protocol != "" && l.Protocol != ProtocolHTTP && l.Protocol != ProtocolSyslog {
		fe.add(prefix+"protocol", "must be one of http|syslog")
	}
}

func (m *MetricEvent) validate(fe *fieldErrors, prefix string, now time.Time, limits Limits) {
	switch {
	case m.Name == "":
		fe.add(prefix+"name", "required")
	case len(m.Name) > MaxMetricNameLen:
		fe.add(prefix+"name", "longer than %d characters", MaxMetricNameLen)
	case !metricNameRe.MatchString(m.Name):
		fe.add(prefix+"name", "must match [a-zA-Z_:][a-zA-Z0-9_:]*")
	}

	switch m.Type {
	case MetricCounter, MetricGauge, MetricHistogram:
	case "":
		fe.add(prefix+"type", "required")
	default:
		fe.add(prefix+"type", "must be one of counter|gauge|histogram")
	}

	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		fe.add(prefix+"value", "must be a finite number")
	}

	if m.Timestamp <= 0 || math.IsNaN(m.Timestamp) || math.IsInf(m.Timestamp, 0) {
		fe.add(prefix+"timestamp", "required")
	} else {
		validateTimestamp(fe, prefix+"timestamp", m.Time(), now, limits.MaxMetricAge, limits.MaxFutureSkew)
	}

	validateLabels(fe, prefix+"labels", m.Labels)

	if len(m.Help) > MaxHelpLen {
		fe.add(prefix+"help", "longer than %d characters", MaxHelpLen)
	}
}
