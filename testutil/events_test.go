package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/event"
)

func TestPayloadsDecode(t *testing.T) {
	now := BaseTime.Add(time.Minute)

	logs, err := event.ParseLogs(LogPayload(t, 3, BaseTime), now, event.DefaultLimits())
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "message 2", logs[2].Log.Message)
	assert.True(t, BaseTime.Equal(logs[0].Log.Timestamp))

	metrics, err := event.ParseMetrics(MetricPayload(t,
		MetricSample{Name: "http_requests", Type: "counter", Value: 2, Labels: Labels("route", "/"), At: BaseTime},
	), now, event.DefaultLimits())
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "/", metrics[0].Metric.Labels["route"])
	assert.True(t, BaseTime.Equal(metrics[0].Metric.Time()))
}

func TestLogOptions(t *testing.T) {
	ev := Log(WithService("billing"), WithLevel(event.LevelError), WithLabels("env", "prod", "odd"),
		WithTrace("t1", "s1"))
	assert.Equal(t, "billing", ev.Log.Service)
	assert.Equal(t, event.LevelError, ev.Log.Level)
	assert.Equal(t, map[string]string{"env": "prod"}, ev.Log.Labels)
	assert.Equal(t, "t1", ev.Log.TraceID)

	assert.Equal(t, "message 7", NumberedLog(7).Log.Message)
	assert.Nil(t, Labels())
}
