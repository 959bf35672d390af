package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentID(t *testing.T) {
	a := DocumentID("logs.0", "1700000000000-0")
	b := DocumentID("logs.0", "1700000000000-0")
	c := DocumentID("logs.1", "1700000000000-0")
	d := DocumentID("logs.0", "1700000000000-1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)

	// the separator keeps stream/id boundaries unambiguous
	assert.NotEqual(t, DocumentID("ab", "c"), DocumentID("a", "bc"))
}

func TestIndexName(t *testing.T) {
	ts := time.Date(2026, 1, 2, 23, 59, 0, 0, time.FixedZone("x", -2*3600))
	assert.Equal(t, "killkrill-logs-2026.01.03", IndexName("", ts))
	assert.Equal(t, "prod-logs-2026.01.03", IndexName("prod", ts))
}

func TestToECS(t *testing.T) {
	l := LogEvent{
		Timestamp: now,
		Service:   "api",
		Level:     LevelWarn,
		Message:   "disk low",
		Labels:    map[string]string{"env": "prod"},
		Host:      "web-1",
		Facility:  "local0",
		SourceIP:  "10.0.0.7",
		Protocol:  ProtocolSyslog,
		TraceID:   "abc",
		SpanID:    "def",
	}
	ingested := now.Add(time.Second)
	doc := l.ToECS("logs.0", "1-0", ingested)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, "2026-03-14T12:00:00Z", out["@timestamp"])
	assert.Equal(t, map[string]any{"version": ECSVersion}, out["ecs"])
	assert.Equal(t, "warn", out["log"].(map[string]any)["level"])
	assert.Equal(t, "local0", out["log"].(map[string]any)["syslog"].(map[string]any)["facility"])
	assert.Equal(t, "api", out["service"].(map[string]any)["name"])
	assert.Equal(t, "10.0.0.7", out["source"].(map[string]any)["ip"])
	assert.Equal(t, "def", out["trace"].(map[string]any)["span"].(map[string]any)["id"])
	assert.Equal(t, float64(4), out["event"].(map[string]any)["severity"])
	assert.Equal(t, "1-0", out["killkrill"].(map[string]any)["entry_id"])

	minimal := validLog().ToECS("logs.0", "2-0", ingested)
	assert.Nil(t, minimal.Host)
	assert.Nil(t, minimal.Trace)
	assert.Nil(t, minimal.Log.Syslog)
}
