package deadletter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testEntry(i int) Entry {
	ev := event.NewLog(event.LogEvent{
		Timestamp: t0,
		Service:   "api",
		Level:     event.LevelError,
		Message:   fmt.Sprintf("boom %d", i),
	})
	se := stream.Entry{
		ID:         stream.ID{Millis: uint64(t0.UnixMilli()), Seq: uint64(i)},
		Event:      ev,
		AppendedAt: t0,
		Deliveries: 4,
	}
	return NewEntry("logs.0", "log-workers", se, ReasonMaxRetries,
		fmt.Errorf("sink unavailable"), t0.Add(time.Second), t0.Add(time.Duration(i)*time.Minute))
}

type countingAppender struct{ calls int }

func (a *countingAppender) Append(context.Context, event.Event) (stream.Position, error) {
	a.calls++
	return stream.Position{}, nil
}

type StoreSuite struct {
	suite.Suite
	open  func(t *testing.T) Store
	store Store
}

func (s *StoreSuite) SetupTest() {
	s.store = s.open(s.T())
}

func (s *StoreSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *StoreSuite) TestPutOnce() {
	ctx := context.Background()
	e := testEntry(1)

	added, err := s.store.Put(ctx, e)
	s.Require().NoError(err)
	s.True(added)

	again := e
	again.AttemptCount = 9
	added, err = s.store.Put(ctx, again)
	s.Require().NoError(err)
	s.False(added)

	got, err := s.store.Get(ctx, e.Key())
	s.Require().NoError(err)
	if diff := cmp.Diff(e, got); diff != "" {
		s.Failf("stored entry mismatch", "(-want +got):\n%s", diff)
	}

	n, err := s.store.Count(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *StoreSuite) TestCorruptPayloadKept() {
	ctx := context.Background()
	se := stream.Entry{
		ID:         stream.ID{Millis: uint64(t0.UnixMilli()), Seq: 42},
		Payload:    []byte{0xff, 0x00, 0x13},
		AppendedAt: t0,
		Deliveries: 1,
		DecodeErr:  fmt.Errorf("%w: entry 42", errors.ErrDataCorrupted),
	}
	e := NewEntry("logs.0", "log-workers", se, ReasonCorrupt, nil, time.Time{}, t0)
	s.Equal("data corrupted: entry 42", e.LastError)

	_, err := s.store.Put(ctx, e)
	s.Require().NoError(err)
	got, err := s.store.Get(ctx, e.Key())
	s.Require().NoError(err)
	s.Equal([]byte{0xff, 0x00, 0x13}, got.Payload)
	s.Equal(ReasonCorrupt, got.FailureReason)

	app := &countingAppender{}
	_, err = Requeue(ctx, s.store, app, e.Key())
	s.True(errors.IsInvalid(err), "corrupt entries cannot be requeued")
	s.Zero(app.calls)
	_, err = s.store.Get(ctx, e.Key())
	s.NoError(err, "entry stays until deleted")
}

func (s *StoreSuite) TestGetMissing() {
	_, err := s.store.Get(context.Background(), "logs.0/g/1-0")
	s.True(errors.Is(err, errors.ErrKeyNotFound))
}

func (s *StoreSuite) TestListNewestFirstWithFilter() {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		e := testEntry(i)
		if i == 3 {
			e.Group = "other"
		}
		_, err := s.store.Put(ctx, e)
		s.Require().NoError(err)
	}

	all, err := s.store.List(ctx, Filter{})
	s.Require().NoError(err)
	s.Require().Len(all, 4)
	s.Equal(uint64(3), all[0].EntryID.Seq)

	grouped, err := s.store.List(ctx, Filter{Group: "log-workers", Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(grouped, 2)
	s.Equal(uint64(2), grouped[0].EntryID.Seq)
	s.Equal(uint64(1), grouped[1].EntryID.Seq)
}

func (s *StoreSuite) TestDeleteIdempotent() {
	ctx := context.Background()
	e := testEntry(1)
	_, err := s.store.Put(ctx, e)
	s.Require().NoError(err)

	s.NoError(s.store.Delete(ctx, e.Key()))
	s.NoError(s.store.Delete(ctx, e.Key()))
	n, err := s.store.Count(ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *StoreSuite) TestRequeue() {
	ctx := context.Background()
	clk := clock.Fake(t0.Add(time.Minute))
	target := stream.NewMemory(stream.MemoryDeps{
		Config: stream.MemoryConfig{Name: "logs.0", Limits: event.Limits{}},
		Clock:  clk,
	})
	defer target.Close()
	router, err := stream.NewRouter("logs", []stream.Stream{target})
	s.Require().NoError(err)

	e := testEntry(1)
	_, err = s.store.Put(ctx, e)
	s.Require().NoError(err)

	pos, err := Requeue(ctx, s.store, router, e.Key())
	s.Require().NoError(err)
	s.Equal(0, pos.Partition)

	n, err := target.Len(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.store.Get(ctx, e.Key())
	s.True(errors.Is(err, errors.ErrKeyNotFound))
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{open: func(*testing.T) Store { return NewMemory() }})
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &StoreSuite{open: func(t *testing.T) Store {
		s, err := OpenSQLite(context.Background(), ":memory:", nil)
		require.NoError(t, err)
		return s
	}})
}

func TestSQLiteStorePersists(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/deadletters.db"

	s, err := OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, testEntry(7))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, testEntry(7).Key())
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxRetries, got.FailureReason)
	assert.Equal(t, 4, got.AttemptCount)
	assert.Equal(t, "sink unavailable", got.LastError)
}

func TestKeyRoundTrip(t *testing.T) {
	e := testEntry(3)
	streamName, group, id, err := ParseKey(e.Key())
	require.NoError(t, err)
	assert.Equal(t, "logs.0", streamName)
	assert.Equal(t, "log-workers", group)
	assert.Equal(t, e.EntryID, id)

	_, _, _, err = ParseKey("nokey")
	assert.Error(t, err)
}

func TestNewEntryDefaultsFirstFailed(t *testing.T) {
	e := NewEntry("s", "g", stream.Entry{Deliveries: 1}, ReasonInvalid, nil, time.Time{}, t0)
	assert.Equal(t, t0, e.FirstFailedAt)
	assert.Empty(t, e.LastError)
}
