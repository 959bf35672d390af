package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
	"github.com/penguintechinc/killkrill-sub000/testutil"
)

var base = testutil.BaseTime

func logEvent(i int) event.Event { return testutil.NumberedLog(i) }

func newTestMemory(t *testing.T, cfg MemoryConfig) (*Memory, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(base)
	if cfg.Name == "" {
		cfg.Name = "logs.0"
	}
	cfg.Limits = event.DefaultLimits()
	m := NewMemory(MemoryDeps{Config: cfg, Clock: clk})
	t.Cleanup(func() { _ = m.Close() })
	return m, clk
}

func appendN(t *testing.T, s Stream, n int) []ID {
	t.Helper()
	ids := make([]ID, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Append(context.Background(), logEvent(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func entryIDs(entries []Entry) []ID {
	out := make([]ID, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestMemory_AppendReadAckDeliversOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t, MemoryConfig{})
	require.NoError(t, m.CreateGroup(ctx, "workers", GroupOptions{}))

	ids := appendN(t, m, 3)

	batch, err := m.ReadBatch(ctx, "workers", "c1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, ids, entryIDs(batch))
	for i, e := range batch {
		assert.Equal(t, 1, e.Deliveries)
		assert.Equal(t, "c1", e.Consumer)
		assert.Equal(t, fmt.Sprintf("message %d", i), e.Event.Log.Message)
		assert.NotEmpty(t, e.Payload)
	}

	again, err := m.ReadBatch(ctx, "workers", "c2", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	n, err := m.Ack(ctx, "workers", ids...)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = m.Ack(ctx, "workers", ids...)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second ack must be a no-op")

	pending, err := m.Pending(ctx, "workers")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemory_IDsStrictlyIncrease(t *testing.T) {
	m, clk := newTestMemory(t, MemoryConfig{})

	ids := appendN(t, m, 3)
	assert.Equal(t, []ID{
		{Millis: uint64(base.UnixMilli()), Seq: 0},
		{Millis: uint64(base.UnixMilli()), Seq: 1},
		{Millis: uint64(base.UnixMilli()), Seq: 2},
	}, ids)

	clk.Set(base.Add(-time.Second))
	back := appendN(t, m, 1)[0]
	assert.True(t, ids[2].Less(back), "clock stepping back must not reorder ids")

	clk.Set(base.Add(time.Second))
	fwd := appendN(t, m, 1)[0]
	assert.Equal(t, ID{Millis: uint64(base.Add(time.Second).UnixMilli())}, fwd)
}

func TestMemory_ReadBatchRespectsMaxCount(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t, MemoryConfig{})
	require.NoError(t, m.CreateGroup(ctx, "g", GroupOptions{}))
	ids := appendN(t, m, 5)

	first, err := m.ReadBatch(ctx, "g", "c1", 2, 0)
	require.NoError(t, err)
	second, err := m.ReadBatch(ctx, "g", "c2", 2, 0)
	require.NoError(t, err)
	third, err := m.ReadBatch(ctx, "g", "c1", 2, 0)
	require.NoError(t, err)

	assert.Equal(t, ids[0:2], entryIDs(first))
	assert.Equal(t, ids[2:4], entryIDs(second))
	assert.Equal(t, ids[4:5], entryIDs(third))

	_, err = m.ReadBatch(ctx, "g", "c1", 0, 0)
	assert.True(t, errors.IsInvalid(err))
}

func TestMemory_VisibilityTimeoutReclaim(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMemory(t, MemoryConfig{})
	require.NoError(t, m.CreateGroup(ctx, "g", GroupOptions{VisibilityTimeout: 10 * time.Second}))
	ids := appendN(t, m, 2)

	claimed, err := m.ReadBatch(ctx, "g", "crashed", 10, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	clk.Advance(9 * time.Second)
	none, err := m.ReadBatch(ctx, "g", "survivor", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none, "claims are invisible before the timeout")

	clk.Advance(time.Second)
	reclaimed, err := m.ReadBatch(ctx, "g", "survivor", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, ids, entryIDs(reclaimed))
	for _, e := range reclaimed {
		assert.Equal(t, 2, e.Deliveries)
		assert.Equal(t, "survivor", e.Consumer)
	}

	pending, err := m.Pending(ctx, "g")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "survivor", pending[0].Consumer)
	assert.Equal(t, 2, pending[0].Deliveries)
	assert.Equal(t, time.Duration(0), pending[0].Age)

	clk.Advance(3 * time.Second)
	pending, err = m.Pending(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, pending[1].Age)
}

func TestMemory_ExpiredClaimsBeforeNewEntries(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMemory(t, MemoryConfig{})
	require.NoError(t, m.CreateGroup(ctx, "g", GroupOptions{VisibilityTimeout: time.Second}))

	ids := appendN(t, m, 1)
	_, err := m.ReadBatch(ctx, "g", "a", 1, 0)
	require.NoError(t, err)

	ids = append(ids, appendN(t, m, 1)...)
	clk.Advance(time.Second)

	batch, err := m.ReadBatch(ctx, "g", "b", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, ids, entryIDs(batch))
	assert.Equal(t, []int{2, 1}, []int{batch[0].Deliveries, batch[1].Deliveries})
}

func TestMemory_UnknownGroup(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t, MemoryConfig{})

	_, err := m.ReadBatch(ctx, "missing", "c", 1, 0)
	assert.ErrorIs(t, err, errors.ErrGroupNotFound)
	_, err = m.Ack(ctx, "missing", ID{Millis: 1})
	assert.ErrorIs(t, err, errors.ErrGroupNotFound)
	_, err = m.Pending(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrGroupNotFound)
}

func TestMemory_AckUnknownIDIsNoop(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t, MemoryConfig{})
	require.NoError(t, m.CreateGroup(ctx, "g", GroupOptions{}))
	ids := appendN(t, m, 1)

	n, err := m.Ack(ctx, "g", ids[0])
	require.NoError(t, err)
	assert.Equal(t, 0, n, "never delivered")

	n, err = m.Ack(ctx, "g", ID{Millis: 42})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemory_CreateGroupIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t, MemoryConfig{})
	require.NoError(t, m.CreateGroup(ctx, "g", GroupOptions{}))
	appendN(t, m, 2)
	_, err := m.ReadBatch(ctx, "g", "c", 1, 0)
	require.NoError(t, err)

	require.NoError(t, m.CreateGroup(ctx, "g", GroupOptions{NewOnly: true}))
	groups, err := m.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].Pending)
	assert.Equal(t, 1, groups[0].Lag)

	assert.Error(t, m.CreateGroup(ctx, "", GroupOptions{}))
}

func TestMemory_NewOnlyGroup(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t, MemoryConfig{})
	appendN(t, m, 3)

	require.NoError(t, m.CreateGroup(ctx, "late", GroupOptions{NewOnly: true}))
	require.NoError(t, m.CreateGroup(ctx, "all", GroupOptions{}))
	newer := appendN(t, m, 1)

	batch, err := m.ReadBatch(ctx, "late", "c", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, newer, entryIDs(batch))

	batch, err = m.ReadBatch(ctx, "all", "c", 10, 0)
	require.NoError(t, err)
	assert.Len(t, batch, 4)
}

func TestMemory_GroupsReportLagAndPending(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t, MemoryConfig{VisibilityTimeout: time.Minute})
	require.NoError(t, m.CreateGroup(ctx, "b", GroupOptions{}))
	require.NoError(t, m.CreateGroup(ctx, "a", GroupOptions{VisibilityTimeout: 5 * time.Second}))
	ids := appendN(t, m, 5)

	_, err := m.ReadBatch(ctx, "a", "c", 3, 0)
	require.NoError(t, err)
	_, err = m.Ack(ctx, "a", ids[0])
	require.NoError(t, err)

	groups, err := m.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []GroupInfo{
		{Name: "a", LastDelivered: ids[2], Pending: 2, Lag: 2, VisibilityTimeout: 5 * time.Second},
		{Name: "b", LastDelivered: MinID, Pending: 0, Lag: 5, VisibilityTimeout: time.Minute},
	}, groups)
}

func TestMemory_RejectsInvalidEvent(t *testing.T) {
	m, _ := newTestMemory(t, MemoryConfig{})
	bad := logEvent(0)
	bad.Log.Level = "LOUD"

	_, err := m.Append(context.Background(), bad)
	assert.ErrorIs(t, err, errors.ErrValidation)

	n, _ := m.Len(context.Background())
	assert.Zero(t, n)
}

func TestMemory_CapacityExceeded(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t, MemoryConfig{MaxLen: 2})
	require.NoError(t, m.CreateGroup(ctx, "g", GroupOptions{}))
	ids := appendN(t, m, 2)

	_, err := m.Append(ctx, logEvent(3))
	assert.ErrorIs(t, err, errors.ErrCapacityExceeded)
	assert.True(t, errors.IsTransient(err))

	_, err = m.ReadBatch(ctx, "g", "c", 10, 0)
	require.NoError(t, err)
	_, err = m.Append(ctx, logEvent(3))
	assert.ErrorIs(t, err, errors.ErrCapacityExceeded, "delivered but pending entries are not trimmable")

	_, err = m.Ack(ctx, "g", ids[0])
	require.NoError(t, err)
	_, err = m.Append(ctx, logEvent(3))
	assert.NoError(t, err, "append trims the acknowledged entry")

	n, _ := m.Len(ctx)
	assert.Equal(t, 2, n)
}

func TestMemory_NoGroupsMeansNoTrim(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t, MemoryConfig{MaxLen: 1})
	appendN(t, m, 1)

	_, err := m.Append(ctx, logEvent(1))
	assert.ErrorIs(t, err, errors.ErrCapacityExceeded)

	removed, err := m.Trim(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMemory_TrimRespectsEveryGroup(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t, MemoryConfig{})
	require.NoError(t, m.CreateGroup(ctx, "a", GroupOptions{}))
	require.NoError(t, m.CreateGroup(ctx, "b", GroupOptions{}))
	ids := appendN(t, m, 3)

	_, err := m.ReadBatch(ctx, "a", "c", 10, 0)
	require.NoError(t, err)
	_, err = m.Ack(ctx, "a", ids...)
	require.NoError(t, err)

	removed, err := m.Trim(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "group b has not seen anything")

	_, err = m.ReadBatch(ctx, "b", "c", 2, 0)
	require.NoError(t, err)
	_, err = m.Ack(ctx, "b", ids[1])
	require.NoError(t, err)

	removed, err = m.Trim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "only ids[1]: ids[0] is pending in b, ids[2] is past b's cursor")

	batch, err := m.ReadBatch(ctx, "b", "c", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, ids[2:], entryIDs(batch))
}

func TestMemory_TrimHonoursMaxAge(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMemory(t, MemoryConfig{MaxAge: time.Hour})
	require.NoError(t, m.CreateGroup(ctx, "g", GroupOptions{}))
	ids := appendN(t, m, 2)

	_, err := m.ReadBatch(ctx, "g", "c", 10, 0)
	require.NoError(t, err)
	_, err = m.Ack(ctx, "g", ids...)
	require.NoError(t, err)

	removed, err := m.Trim(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	clk.Advance(time.Hour)
	removed, err = m.Trim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

type readResult struct {
	entries []Entry
	err     error
}

func readAsync(m *Memory, ctx context.Context, group, consumer string, block time.Duration) <-chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		entries, err := m.ReadBatch(ctx, group, consumer, 10, block)
		ch <- readResult{entries, err}
	}()
	return ch
}

func TestMemory_BlockingReadWakesOnAppend(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMemory(t, MemoryConfig{})
	require.NoError(t, m.CreateGroup(ctx, "g", GroupOptions{}))

	res := readAsync(m, ctx, "g", "c", 5*time.Second)
	clk.WaitForTimers(1)

	ids := appendN(t, m, 1)

	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.Equal(t, ids, entryIDs(r.entries))
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader was not woken by append")
	}
}

func TestMemory_BlockingReadTimesOutEmpty(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMemory(t, MemoryConfig{})
	require.NoError(t, m.CreateGroup(ctx, "g", GroupOptions{}))

	res := readAsync(m, ctx, "g", "c", 2*time.Second)
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)

	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.NotNil(t, r.entries)
		assert.Empty(t, r.entries)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader did not time out")
	}
}

func TestMemory_BlockingReadWakesOnClaimExpiry(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMemory(t, MemoryConfig{})
	require.NoError(t, m.CreateGroup(ctx, "g", GroupOptions{VisibilityTimeout: 5 * time.Second}))
	ids := appendN(t, m, 1)
	_, err := m.ReadBatch(ctx, "g", "crashed", 10, 0)
	require.NoError(t, err)

	res := readAsync(m, ctx, "g", "survivor", 30*time.Second)
	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)

	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.Equal(t, ids, entryIDs(r.entries))
		assert.Equal(t, 2, r.entries[0].Deliveries)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader did not pick up the expired claim")
	}
}

func TestMemory_BlockingReadCancelled(t *testing.T) {
	m, clk := newTestMemory(t, MemoryConfig{})
	require.NoError(t, m.CreateGroup(context.Background(), "g", GroupOptions{}))

	ctx, cancel := context.WithCancel(context.Background())
	res := readAsync(m, ctx, "g", "c", time.Minute)
	clk.WaitForTimers(1)
	cancel()

	select {
	case r := <-res:
		assert.ErrorIs(t, r.err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not release the reader")
	}
}

func TestMemory_CloseReleasesReaders(t *testing.T) {
	m, clk := newTestMemory(t, MemoryConfig{})
	require.NoError(t, m.CreateGroup(context.Background(), "g", GroupOptions{}))

	res := readAsync(m, context.Background(), "g", "c", time.Minute)
	clk.WaitForTimers(1)
	require.NoError(t, m.Close())

	select {
	case r := <-res:
		assert.ErrorIs(t, r.err, errors.ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not release the reader")
	}

	_, err := m.Append(context.Background(), logEvent(0))
	assert.ErrorIs(t, err, errors.ErrStreamClosed)
	assert.NoError(t, m.Close())
}

func TestMemory_ConcurrentConsumersClaimAtomically(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryDeps{Config: MemoryConfig{Name: "logs.0", VisibilityTimeout: time.Hour}})
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.CreateGroup(ctx, "g", GroupOptions{}))

	const total = 400
	for i := 0; i < total; i++ {
		_, err := m.Append(ctx, event.NewLog(event.LogEvent{
			Timestamp: time.Now(), Service: "api", Level: event.LevelInfo, Message: "x",
		}))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[ID]int)
	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func(consumer string) {
			defer wg.Done()
			for {
				batch, err := m.ReadBatch(ctx, "g", consumer, 7, 0)
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					seen[e.ID]++
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("c%d", c))
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %s delivered %d times", id, n)
	}
}
