package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/metric"
)

// unreachable is a port nothing listens on.
const unreachable = "nats://127.0.0.1:1"

func newUnreachable(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{
		WithTimeouts(100*time.Millisecond, 0),
		WithReconnect(0, 0),
		WithHealthMonitor(0, nil),
		WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	c, err := NewClient(unreachable, opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Nil(t, c.Conn())

	_, err = NewClient("")
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = NewClient("nats://localhost:4222", WithCircuitBreaker(0, 0))
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithTLS(TLSFiles{CertFile: "cert.pem"}))
	assert.Error(t, err)
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestConnect_Unreachable(t *testing.T) {
	c := newUnreachable(t)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(1), c.Failures())
	assert.False(t, c.GetStatus().LastFailureTime.IsZero())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	c := newUnreachable(t, WithCircuitBreaker(3, 0))

	for range 2 {
		err := c.Connect(context.Background())
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 2*time.Second, c.Backoff())

	// Fails fast without dialling while open.
	failures := c.Failures()
	assert.ErrorIs(t, c.Connect(context.Background()), ErrCircuitOpen)
	assert.Equal(t, failures, c.Failures())
}

func TestCircuitBreaker_BackoffCapped(t *testing.T) {
	c := newUnreachable(t, WithCircuitBreaker(1, 3*time.Second))

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 2*time.Second, c.Backoff())
	c.recordFailure()
	assert.Equal(t, 3*time.Second, c.Backoff())
	c.recordFailure()
	assert.Equal(t, 3*time.Second, c.Backoff())

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, time.Second, c.Backoff())
	assert.Zero(t, c.Failures())
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	c := newUnreachable(t, WithCircuitBreaker(1, 0))
	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	c.halfOpen()
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConnect_Cancelled(t *testing.T) {
	c := newUnreachable(t, WithTimeouts(5*time.Second, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNotConnected(t *testing.T) {
	c := newUnreachable(t)

	_, err := c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrNotConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, c.WaitForConnection(ctx))
}

func TestClose_Idempotent(t *testing.T) {
	c := newUnreachable(t)
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	err := c.Connect(context.Background())
	assert.True(t, errors.IsFatal(err))
}

func TestConcurrentFailures(t *testing.T) {
	c := newUnreachable(t, WithCircuitBreaker(1000, 0))
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.recordFailure()
			_ = c.GetStatus()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), c.Failures())
}

func TestWithMetrics_Registers(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c := newUnreachable(t, WithMetrics(registry, "killkrill", time.Second))
	require.NotNil(t, c.metrics)
	assert.Equal(t, "killkrill.>", c.metrics.subject)

	// Registering twice on the same registry fails.
	_, err := NewClient(unreachable, WithMetrics(registry, "killkrill", time.Second))
	assert.Error(t, err)

	c.metrics.pollErrors.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.pollErrors))

	none, err := NewClient(unreachable, WithMetrics(nil, "", 0))
	require.NoError(t, err)
	assert.Nil(t, none.metrics)
}
