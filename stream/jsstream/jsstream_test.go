package jsstream

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/pkg/codec"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

func TestStreamName(t *testing.T) {
	assert.Equal(t, "LOGS_3", StreamName("logs.3"))
	assert.Equal(t, "METRICS_RAW_0", StreamName("metrics raw.0"))
	assert.Equal(t, "A__B", StreamName("a*>b"))
}

func TestIsCapacityError(t *testing.T) {
	assert.True(t, isCapacityError(stderrors.New("nats: maximum messages exceeded")))
	assert.True(t, isCapacityError(stderrors.New("nats: maximum bytes exceeded")))
	assert.False(t, isCapacityError(stderrors.New("nats: timeout")))
}

func TestNew_RequiresJetStream(t *testing.T) {
	_, err := New(context.Background(), Deps{Config: Config{Name: "logs.0"}})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestDecodeEntry(t *testing.T) {
	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	ev := event.NewMetric(event.MetricEvent{Name: "reqs", Type: event.MetricCounter, Value: 1, Timestamp: float64(ts.Unix())})
	data, err := codec.Marshal(ev)
	require.NoError(t, err)

	e := decodeEntry(stream.ID{Seq: 7}, data, ts)
	assert.NoError(t, e.DecodeErr)
	assert.Equal(t, "reqs", e.Event.Metric.Name)
	assert.Equal(t, ts, e.AppendedAt)
}

func TestDecodeEntry_CorruptBodyKept(t *testing.T) {
	body := []byte("{\"not\": \"cbor\"}")
	e := decodeEntry(stream.ID{Seq: 9}, body, time.Time{})
	require.Error(t, e.DecodeErr)
	assert.ErrorIs(t, e.DecodeErr, errors.ErrDataCorrupted)
	assert.Equal(t, uint64(9), e.ID.Seq)
	assert.Equal(t, body, e.Payload)
	assert.Equal(t, event.Event{}, e.Event)
}
