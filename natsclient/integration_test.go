//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/metric"
)

func TestIntegration_Connect(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	c := tc.Client

	assert.True(t, c.IsHealthy())
	assert.Equal(t, StatusConnected, c.Status())
	require.NoError(t, c.Ping(context.Background()))

	rtt, err := c.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	js, err := c.JetStream()
	require.NoError(t, err)
	_, err = js.AccountInfo(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Error(t, c.Ping(context.Background()))
}

func TestIntegration_HealthCallback(t *testing.T) {
	changes := make(chan bool, 4)
	tc := NewTestClient(t, WithJetStream(), WithClientOptions(
		WithHealthMonitor(time.Second, func(healthy bool) { changes <- healthy }),
	))
	require.True(t, tc.Client.IsHealthy())

	select {
	case healthy := <-changes:
		assert.True(t, healthy)
	case <-time.After(time.Second):
		t.Fatal("no health change reported on connect")
	}
}

func TestIntegration_JetStreamMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	tc := NewTestClient(t, WithJetStream(),
		WithClientOptions(WithMetrics(registry, "killkrill", 50*time.Millisecond)))

	ctx := context.Background()
	js, err := tc.Client.JetStream()
	require.NoError(t, err)

	st, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     "LOGS_0",
		Subjects: []string{"killkrill.logs.0"},
		Storage:  jetstream.MemoryStorage,
	})
	require.NoError(t, err)
	for range 3 {
		_, err := js.Publish(ctx, "killkrill.logs.0", []byte(`{}`))
		require.NoError(t, err)
	}
	_, err = st.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   "logs-workers",
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	m := tc.Client.metrics
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.streamMessages.WithLabelValues("LOGS_0")) == 3 &&
			testutil.ToFloat64(m.numPending.WithLabelValues("LOGS_0", "logs-workers")) == 3
	}, 5*time.Second, 50*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(m.pollErrors))
}
