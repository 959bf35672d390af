package buffer

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/metric"
)

func fill(t *testing.T, b Buffer[int], items ...int) {
	t.Helper()
	for _, i := range items {
		require.NoError(t, b.Write(i))
	}
}

func TestRingBasicOperations(t *testing.T) {
	b, err := New[int](3)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Capacity())

	_, ok := b.Read()
	assert.False(t, ok)

	fill(t, b, 1, 2)
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, []int{1, 2}, b.Snapshot())
	assert.Equal(t, 2, b.Size(), "snapshot must not consume")

	v, ok := b.Read()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	fill(t, b, 3, 4)
	assert.Equal(t, []int{2, 3, 4}, b.ReadBatch(10))
	assert.Nil(t, b.ReadBatch(10))
}

func TestRingEvictsOldest(t *testing.T) {
	b, err := New[int](3)
	require.NoError(t, err)

	fill(t, b, 1, 2, 3, 4, 5)
	assert.Equal(t, []int{3, 4, 5}, b.Snapshot())
	s := b.Stats()
	assert.Equal(t, int64(5), s.Writes)
	assert.Equal(t, int64(2), s.Drops)
	assert.Equal(t, 3, s.Size)

	// wraps cleanly after a partial read
	assert.Equal(t, []int{3, 4}, b.ReadBatch(2))
	fill(t, b, 6, 7, 8)
	assert.Equal(t, []int{6, 7, 8}, b.Snapshot())
}

func TestRingClosedRejectsWrites(t *testing.T) {
	b, err := New[int](2)
	require.NoError(t, err)
	fill(t, b, 1)
	require.NoError(t, b.Close())

	err = b.Write(2)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.True(t, errors.IsInvalid(err))
	v, ok := b.Read()
	assert.True(t, ok, "held items stay readable")
	assert.Equal(t, 1, v)
}

func TestRingClear(t *testing.T) {
	b, err := New[string](4)
	require.NoError(t, err)
	require.NoError(t, b.Write("a"))
	require.NoError(t, b.Write("b"))
	b.Clear()
	assert.Equal(t, 0, b.Size())
	assert.Empty(t, b.Snapshot())
}

func TestRingMinimumCapacity(t *testing.T) {
	b, err := New[int](0)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Capacity())
}

func TestRingConcurrentWriters(t *testing.T) {
	b, err := New[int](1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = b.Write(w*1000 + i)
			}
		}(w)
	}
	wg.Wait()

	s := b.Stats()
	assert.Equal(t, 1000, s.Size)
	assert.Equal(t, int64(2000), s.Writes)
	assert.Equal(t, int64(1000), s.Drops)
}

func TestRingMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	b, err := New[int](2, WithMetrics(reg, "udp_syslog"))
	require.NoError(t, err)

	fill(t, b, 1, 2, 3)
	b.ReadBatch(1)

	r := b.(*ring[int])
	assert.Equal(t, 3.0, testutil.ToFloat64(r.metrics.writes))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.drops))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.reads))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.size))

	_, err = New[int](2, WithMetrics(reg, "udp_syslog"))
	assert.Error(t, err, "duplicate registration")
}
