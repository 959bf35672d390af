package aggregator

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T, cfg Config) *Aggregator {
	t.Helper()
	a, err := New(Deps{Config: cfg, Name: "test"})
	require.NoError(t, err)
	return a
}

func counter(id string, v float64, ts time.Time) Sample {
	return Sample{
		EntryID:   id,
		Name:      "reqs",
		Type:      event.MetricCounter,
		Value:     v,
		Labels:    map[string]string{"route": "/api"},
		Timestamp: ts,
	}
}

func TestFiveCounterSamples(t *testing.T) {
	a := newTestAggregator(t, Config{WindowSize: time.Minute})
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Update(counter(fmt.Sprintf("0-%d", i), 5, t0.Add(time.Duration(i)*time.Second)), t0))
	}

	assert.Empty(t, a.FlushDue(t0.Add(30*time.Second)), "window still open")

	results := a.FlushDue(t0.Add(time.Minute))
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, int64(5), r.Count)
	assert.Equal(t, 25.0, r.Sum)
	assert.Equal(t, 5.0, r.Min)
	assert.Equal(t, 5.0, r.Max)
	assert.Equal(t, 5.0, r.Mean)
	assert.Equal(t, 25.0, r.Value())
	assert.Equal(t, t0, r.Start)
	assert.Equal(t, t0.Add(time.Minute), r.End)
	assert.Equal(t, TriggerTime, r.Trigger)
	assert.True(t, r.Exact)
	assert.Equal(t, 0, a.OpenWindows())
}

func TestRedeliveredEntryCountedOnce(t *testing.T) {
	a := newTestAggregator(t, Config{})
	s := counter("1-0", 3, t0)
	require.NoError(t, a.Update(s, t0))
	require.NoError(t, a.Update(s, t0))
	require.NoError(t, a.Update(counter("1-1", 4, t0), t0))

	r := a.FlushDue(t0.Add(time.Minute))
	require.Len(t, r, 1)
	assert.Equal(t, int64(2), r[0].Count)
	assert.Equal(t, 7.0, r[0].Sum)
}

func TestRedeliveryAfterSizeFlushCountedOnce(t *testing.T) {
	a := newTestAggregator(t, Config{MaxWindowEntries: 2})
	require.NoError(t, a.Update(counter("1-0", 5, t0), t0))
	require.NoError(t, a.Update(counter("1-1", 5, t0), t0))
	// commit failed, 1-0 comes back after its segment was flushed by size
	require.NoError(t, a.Update(counter("1-0", 5, t0), t0))
	assert.Equal(t, 0, a.OpenWindows(), "duplicate does not open a segment")

	var count int64
	var sum float64
	for _, r := range a.FlushDue(t0.Add(time.Minute)) {
		count += r.Count
		sum += r.Sum
	}
	assert.Equal(t, int64(2), count)
	assert.Equal(t, 10.0, sum)

	// ids are released once the window is closed for good
	assert.Empty(t, a.seen)
}

func TestRedeliveryIntoGraceWindowCountedOnce(t *testing.T) {
	a := newTestAggregator(t, Config{LatePolicy: LateGrace, Grace: 30 * time.Second})
	require.NoError(t, a.Update(counter("1", 2, t0), t0))
	require.Len(t, a.FlushDue(t0.Add(time.Minute)), 1)

	// already counted in the regular window
	require.NoError(t, a.Update(counter("1", 2, t0), t0.Add(65*time.Second)))
	assert.Equal(t, 0, a.OpenWindows())

	require.NoError(t, a.Update(counter("2", 3, t0), t0.Add(65*time.Second)))
	require.NoError(t, a.Update(counter("2", 3, t0), t0.Add(70*time.Second)))
	late := a.FlushDue(t0.Add(90 * time.Second))
	require.Len(t, late, 1)
	assert.Equal(t, int64(1), late[0].Count)
}

func TestWindowsKeyedByLabels(t *testing.T) {
	a := newTestAggregator(t, Config{})
	s1 := counter("1", 1, t0)
	s2 := counter("2", 2, t0)
	s2.Labels = map[string]string{"route": "/health"}
	require.NoError(t, a.Update(s1, t0))
	require.NoError(t, a.Update(s2, t0))
	assert.Equal(t, 2, a.OpenWindows())

	r := a.FlushDue(t0.Add(time.Minute))
	require.Len(t, r, 2)
	assert.Equal(t, "/api", r[0].Labels["route"])
	assert.Equal(t, "/health", r[1].Labels["route"])
}

func TestGaugeLastByTimestamp(t *testing.T) {
	a := newTestAggregator(t, Config{})
	g := func(id string, v float64, ts time.Time) Sample {
		return Sample{EntryID: id, Name: "temp", Type: event.MetricGauge, Value: v, Timestamp: ts}
	}
	require.NoError(t, a.Update(g("1", 10, t0.Add(20*time.Second)), t0))
	require.NoError(t, a.Update(g("2", 99, t0.Add(5*time.Second)), t0), "older sample arriving late")
	require.NoError(t, a.Update(g("3", 12, t0.Add(30*time.Second)), t0))

	r := a.FlushDue(t0.Add(time.Minute))
	require.Len(t, r, 1)
	assert.Equal(t, 12.0, r[0].Last)
	assert.Equal(t, 12.0, r[0].Value())
	assert.Equal(t, t0.Add(30*time.Second), r[0].LastTimestamp)
	assert.Equal(t, 99.0, r[0].Max)
}

func TestTypeMismatchIsInvalid(t *testing.T) {
	a := newTestAggregator(t, Config{})
	require.NoError(t, a.Update(counter("1", 1, t0), t0))
	g := counter("2", 1, t0)
	g.Type = event.MetricGauge
	err := a.Update(g, t0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSizeFlushStartsNewSegment(t *testing.T) {
	a := newTestAggregator(t, Config{MaxWindowEntries: 3})
	for i := 0; i < 7; i++ {
		require.NoError(t, a.Update(counter(fmt.Sprint(i), 1, t0), t0))
	}

	early := a.FlushDue(t0.Add(time.Second))
	require.Len(t, early, 2)
	for i, r := range early {
		assert.Equal(t, TriggerSize, r.Trigger)
		assert.Equal(t, int64(3), r.Count)
		assert.Equal(t, i, r.Segment)
	}

	rest := a.FlushDue(t0.Add(time.Minute))
	require.Len(t, rest, 1)
	assert.Equal(t, int64(1), rest[0].Count)
	assert.Equal(t, 2, rest[0].Segment)
	assert.Equal(t, TriggerTime, rest[0].Trigger)
}

func TestLateDropPolicy(t *testing.T) {
	a := newTestAggregator(t, Config{LatePolicy: LateDrop})
	require.NoError(t, a.Update(counter("1", 1, t0), t0))
	require.Len(t, a.FlushDue(t0.Add(time.Minute)), 1)

	err := a.Update(counter("2", 1, t0.Add(10*time.Second)), t0.Add(61*time.Second))
	assert.ErrorIs(t, err, errors.ErrLateArrival)
	assert.Equal(t, 0, a.OpenWindows(), "closed window never reopens")

	// the next window is still open for business
	require.NoError(t, a.Update(counter("3", 1, t0.Add(time.Minute)), t0.Add(61*time.Second)))
}

func TestLateGracePolicy(t *testing.T) {
	a := newTestAggregator(t, Config{LatePolicy: LateGrace, Grace: 30 * time.Second})
	require.NoError(t, a.Update(counter("1", 2, t0), t0))
	regular := a.FlushDue(t0.Add(time.Minute))
	require.Len(t, regular, 1)
	assert.False(t, regular[0].Late)

	// within grace: collected into the late window
	require.NoError(t, a.Update(counter("2", 5, t0.Add(10*time.Second)), t0.Add(70*time.Second)))
	require.NoError(t, a.Update(counter("3", 6, t0.Add(20*time.Second)), t0.Add(80*time.Second)))
	assert.Empty(t, a.FlushDue(t0.Add(85*time.Second)), "late window waits for its grace period")

	// after grace: dropped
	err := a.Update(counter("4", 7, t0.Add(30*time.Second)), t0.Add(95*time.Second))
	assert.ErrorIs(t, err, errors.ErrLateArrival)

	late := a.FlushDue(t0.Add(90 * time.Second))
	require.Len(t, late, 1)
	assert.True(t, late[0].Late)
	assert.Equal(t, int64(2), late[0].Count)
	assert.Equal(t, 11.0, late[0].Sum)
	assert.Equal(t, t0, late[0].Start)
}

func TestFlushAll(t *testing.T) {
	a := newTestAggregator(t, Config{})
	require.NoError(t, a.Update(counter("1", 1, t0), t0))
	require.NoError(t, a.Update(counter("2", 1, t0.Add(2*time.Minute)), t0))

	r := a.FlushAll(t0.Add(10 * time.Second))
	require.Len(t, r, 2)
	assert.True(t, r[0].Start.Before(r[1].Start))
	for _, res := range r {
		assert.Equal(t, TriggerShutdown, res.Trigger)
	}
	assert.Equal(t, 0, a.OpenWindows())
}

func TestExactPercentiles(t *testing.T) {
	a := newTestAggregator(t, Config{ReservoirSize: 200})
	for i := 1; i <= 101; i++ {
		s := counter(fmt.Sprint(i), float64(i), t0)
		s.Type = event.MetricHistogram
		require.NoError(t, a.Update(s, t0))
	}
	r := a.FlushDue(t0.Add(time.Minute))
	require.Len(t, r, 1)
	assert.True(t, r[0].Exact)
	assert.Equal(t, 51.0, r[0].P50)
	assert.Equal(t, 91.0, r[0].P90)
	assert.Equal(t, 96.0, r[0].P95)
	assert.Equal(t, 100.0, r[0].P99)
}

func TestApproximatePercentiles(t *testing.T) {
	const n = 20000
	a := newTestAggregator(t, Config{ReservoirSize: 1024, MaxWindowEntries: n + 1})
	for i := 0; i < n; i++ {
		s := counter(fmt.Sprint(i), float64(i), t0)
		s.Type = event.MetricHistogram
		require.NoError(t, a.Update(s, t0))
	}
	r := a.FlushDue(t0.Add(time.Minute))
	require.Len(t, r, 1)
	assert.False(t, r[0].Exact)

	// rank error bound 1/sqrt(1024) ~ 3%, allow a margin over it
	tolerance := 0.06 * n
	assert.InDelta(t, 0.50*n, r[0].P50, tolerance)
	assert.InDelta(t, 0.90*n, r[0].P90, tolerance)
	assert.InDelta(t, 0.99*n, r[0].P99, tolerance)
	assert.Equal(t, float64(n-1), r[0].Max)
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 0.5))
	assert.Equal(t, 7.0, percentile([]float64{7}, 0.99))
	assert.Equal(t, 1.5, percentile([]float64{1, 2}, 0.5))
	assert.Equal(t, 1.0, percentile([]float64{1, 2}, 0))
	assert.Equal(t, 2.0, percentile([]float64{1, 2}, 1))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"grace without duration", Config{WindowSize: time.Minute, MaxWindowEntries: 1, ReservoirSize: 1, LatePolicy: LateGrace}, true},
		{"unknown policy", Config{WindowSize: time.Minute, MaxWindowEntries: 1, ReservoirSize: 1, LatePolicy: "keep"}, true},
		{"zero window", Config{MaxWindowEntries: 1, ReservoirSize: 1, LatePolicy: LateDrop}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := New(Deps{Config: Config{LatePolicy: LateGrace}})
	assert.True(t, errors.IsInvalid(err))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "", Fingerprint(nil))
	assert.Equal(t, "a=1,b=2", Fingerprint(map[string]string{"b": "2", "a": "1"}))
}

func TestSampleFromEvent(t *testing.T) {
	m := &event.MetricEvent{Name: "reqs", Type: event.MetricCounter, Value: 2.5, Timestamp: float64(t0.Unix()) + 0.25}
	s := SampleFromEvent("5-1", m)
	assert.Equal(t, "5-1", s.EntryID)
	assert.Equal(t, t0.Add(250*time.Millisecond), s.Timestamp)
	assert.False(t, math.IsNaN(s.Value))
}
