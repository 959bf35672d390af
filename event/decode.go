package event

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/timestamp"
)

// wireLog is the accepted JSON shape of a log submission. service_name,
// log_level, hostname and logger_name are accepted as aliases.
type wireLog struct {
	Timestamp   json.RawMessage   `json:"timestamp"`
	Service     string            `json:"service"`
	ServiceName string            `json:"service_name"`
	Level       string            `json:"level"`
	LogLevel    string            `json:"log_level"`
	Message     string            `json:"message"`
	Labels      map[string]string `json:"labels"`
	Host        string            `json:"host"`
	Hostname    string            `json:"hostname"`
	Logger      string            `json:"logger"`
	LoggerName  string            `json:"logger_name"`
	TraceID     string            `json:"trace_id"`
	SpanID      string            `json:"span_id"`
	Tags        []string          `json:"tags"`
}

type wireMetric struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Value     *float64          `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp json.RawMessage   `json:"timestamp"`
	Help      string            `json:"help"`
}

// ParseLogs decodes a single log object or an array of them and validates
// the result. Malformed JSON yields an error matching errors.ErrParsingFailed;
// any field problem yields a *ValidationError covering the whole batch.
func ParseLogs(data []byte, now time.Time, limits Limits) ([]Event, error) {
	return parse(data, now, limits, func(raw json.RawMessage, prefix string, fe *fieldErrors) (Event, bool) {
		var w wireLog
		if !unmarshalItem(raw, &w, prefix, fe) {
			return Event{}, false
		}
		ts, ok := parseTimestamp(w.Timestamp)
		if !ok {
			fe.add(prefix+"timestamp", "must be an RFC3339 string or epoch seconds")
			return Event{}, false
		}
		level, _ := ParseLevel(firstNonEmpty(w.Level, w.LogLevel))
		return NewLog(LogEvent{
			Timestamp: ts,
			Service:   firstNonEmpty(w.Service, w.ServiceName),
			Level:     level,
			Message:   w.Message,
			Labels:    w.Labels,
			Host:      firstNonEmpty(w.Host, w.Hostname),
			Logger:    firstNonEmpty(w.Logger, w.LoggerName),
			Protocol:  ProtocolHTTP,
			TraceID:   w.TraceID,
			SpanID:    w.SpanID,
			Tags:      w.Tags,
		}), true
	})
}

// ParseMetrics is ParseLogs for metric samples.
func ParseMetrics(data []byte, now time.Time, limits Limits) ([]Event, error) {
	return parse(data, now, limits, func(raw json.RawMessage, prefix string, fe *fieldErrors) (Event, bool) {
		var w wireMetric
		if !unmarshalItem(raw, &w, prefix, fe) {
			return Event{}, false
		}
		ts, ok := parseTimestamp(w.Timestamp)
		if !ok {
			fe.add(prefix+"timestamp", "must be epoch seconds or an RFC3339 string")
			return Event{}, false
		}
		if w.Value == nil {
			fe.add(prefix+"value", "required")
			return Event{}, false
		}
		mt, _ := ParseMetricType(w.Type)
		m := MetricEvent{
			Name:   w.Name,
			Type:   mt,
			Value:  *w.Value,
			Labels: w.Labels,
			Help:   w.Help,
		}
		if !ts.IsZero() {
			m.Timestamp = timestamp.ToEpochSeconds(ts)
		}
		return NewMetric(m), true
	})
}

type itemDecoder func(raw json.RawMessage, prefix string, fe *fieldErrors) (Event, bool)

func parse(data []byte, now time.Time, limits Limits, decode itemDecoder) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", errors.ErrParsingFailed)
	}

	var items []json.RawMessage
	batch := data[0] == '['
	if batch {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	} else {
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: body is not valid JSON", errors.ErrParsingFailed)
		}
		items = []json.RawMessage{data}
	}

	var fe fieldErrors
	if len(items) == 0 {
		fe.add("body", "at least one event is required")
		return nil, fe.err()
	}
	if limits.MaxBatch > 0 && len(items) > limits.MaxBatch {
		fe.add("body", "batch of %d exceeds limit of %d events", len(items), limits.MaxBatch)
		return nil, fe.err()
	}

	events := make([]Event, 0, len(items))
	for i, raw := range items {
		prefix := ""
		if batch {
			prefix = fmt.Sprintf("[%d].", i)
		}
		ev, ok := decode(raw, prefix, &fe)
		if !ok {
			continue
		}
		ev.validate(&fe, prefix, now, limits)
		events = append(events, ev)
	}
	if err := fe.err(); err != nil {
		return nil, err
	}
	return events, nil
}

func unmarshalItem(raw json.RawMessage, v any, prefix string, fe *fieldErrors) bool {
	if len(raw) == 0 || raw[0] != '{' {
		fe.add(prefixField(prefix, "body"), "must be a JSON object")
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if stderrors.As(err, &typeErr) && typeErr.Field != "" {
			fe.add(prefix+typeErr.Field, "must be of type %s", typeErr.Type)
		} else {
			fe.add(prefixField(prefix, "body"), "invalid object: %v", err)
		}
		return false
	}
	return true
}

func prefixField(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix[:len(prefix)-1]
}

// parseTimestamp accepts an RFC3339 string, a numeric string or a JSON
// number of epoch seconds. A missing value yields the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, true
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, false
		}
		t, err := timestamp.Parse(s)
		return t, err == nil
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || f <= 0 {
		return time.Time{}, false
	}
	return EpochSeconds(f), true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
