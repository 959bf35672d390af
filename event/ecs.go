package event

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// ECSVersion is the Elastic Common Schema version documents are rendered as.
const ECSVersion = "8.0"

// DocumentID derives the sink document id for a stream entry. The same
// (stream, entry id) pair always yields the same id, which makes sink writes
// upserts under redelivery.
func DocumentID(stream, entryID string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(stream))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(entryID))
	return hex.EncodeToString(h.Sum(nil))
}

// IndexName returns the daily index for a log timestamp,
// "<prefix>-logs-YYYY.MM.DD".
func IndexName(prefix string, ts time.Time) string {
	if prefix == "" {
		prefix = "killkrill"
	}
	return prefix + "-logs-" + ts.UTC().Format("2006.01.02")
}

// ECSDocument is a log record rendered in Elastic Common Schema shape.
type ECSDocument struct {
	Timestamp time.Time         `json:"@timestamp"`
	ECS       ecsVersion        `json:"ecs"`
	Event     ECSEvent          `json:"event"`
	Log       ECSLog            `json:"log"`
	Message   string            `json:"message"`
	Service   ECSService        `json:"service"`
	Host      *ECSHost          `json:"host,omitempty"`
	Source    *ECSSource        `json:"source,omitempty"`
	Trace     *ECSTrace         `json:"trace,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Killkrill ECSKillkrill      `json:"killkrill"`
}

type ecsVersion struct {
	Version string `json:"version"`
}

// ECSEvent is the ECS event block.
type ECSEvent struct {
	Created  time.Time `json:"created"`
	Ingested time.Time `json:"ingested"`
	Dataset  string    `json:"dataset"`
	Kind     string    `json:"kind"`
	Module   string    `json:"module"`
	Severity int       `json:"severity"`
}

// ECSLog is the ECS log block.
type ECSLog struct {
	Level  string     `json:"level"`
	Logger string     `json:"logger,omitempty"`
	Syslog *ECSSyslog `json:"syslog,omitempty"`
}

// ECSSyslog is the log.syslog block.
type ECSSyslog struct {
	Facility string `json:"facility,omitempty"`
}

// ECSService is the ECS service block.
type ECSService struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ECSHost is the ECS host block.
type ECSHost struct {
	Name string `json:"name,omitempty"`
	IP   string `json:"ip,omitempty"`
}

// ECSSource is the ECS source block.
type ECSSource struct {
	IP string `json:"ip"`
}

// ECSTrace carries distributed tracing ids.
type ECSTrace struct {
	ID   string   `json:"id,omitempty"`
	Span *ECSSpan `json:"span,omitempty"`
}

// ECSSpan identifies a span.
type ECSSpan struct {
	ID string `json:"id"`
}

// ECSKillkrill holds pipeline bookkeeping fields.
type ECSKillkrill struct {
	EntryID  string `json:"entry_id"`
	Stream   string `json:"stream"`
	Protocol string `json:"protocol,omitempty"`
	Raw      string `json:"raw_log,omitempty"`
}

func levelSeverity(l Level) int {
	switch l {
	case LevelDebug:
		return 7
	case LevelInfo:
		return 6
	case LevelWarn:
		return 4
	default:
		return 3
	}
}

// ToECS renders the log record. ingested is the processing time.
func (l LogEvent) ToECS(stream, entryID string, ingested time.Time) ECSDocument {
	doc := ECSDocument{
		Timestamp: l.Timestamp.UTC(),
		ECS:       ecsVersion{Version: ECSVersion},
		Event: ECSEvent{
			Created:  l.Timestamp.UTC(),
			Ingested: ingested.UTC(),
			Dataset:  "killkrill.logs",
			Kind:     "event",
			Module:   "killkrill",
			Severity: levelSeverity(l.Level),
		},
		Log: ECSLog{
			Level:  strings.ToLower(string(l.Level)),
			Logger: l.Logger,
		},
		Message: l.Message,
		Service: ECSService{Name: l.Service, Type: "application"},
		Labels:  l.Labels,
		Tags:    l.Tags,
		Killkrill: ECSKillkrill{
			EntryID:  entryID,
			Stream:   stream,
			Protocol: l.Protocol,
			Raw:      l.Raw,
		},
	}
	if l.Facility != "" {
		doc.Log.Syslog = &ECSSyslog{Facility: l.Facility}
	}
	if l.Host != "" || l.SourceIP != "" {
		doc.Host = &ECSHost{Name: l.Host, IP: l.SourceIP}
	}
	if l.SourceIP != "" {
		doc.Source = &ECSSource{IP: l.SourceIP}
	}
	if l.TraceID != "" || l.SpanID != "" {
		doc.Trace = &ECSTrace{ID: l.TraceID}
		if l.SpanID != "" {
			doc.Trace.Span = &ECSSpan{ID: l.SpanID}
		}
	}
	return doc
}
