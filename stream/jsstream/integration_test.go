//go:build integration

package jsstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/natsclient"
	"github.com/penguintechinc/killkrill-sub000/stream"
	"github.com/penguintechinc/killkrill-sub000/testutil"
)

func newStream(t *testing.T, name string, maxLen int) *Stream {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	js, err := tc.Client.JetStream()
	require.NoError(t, err)

	s, err := New(context.Background(), Deps{
		Config:    Config{Name: name, MaxLen: maxLen, MemoryStorage: true},
		JetStream: js,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func logEvent(i int) event.Event {
	return testutil.NumberedLog(i, testutil.WithTime(time.Now()), testutil.WithLevel(event.LevelError))
}

func TestJetStream_DeliverAckRedeliver(t *testing.T) {
	ctx := context.Background()
	s := newStream(t, "logs.0", 0)
	require.NoError(t, s.CreateGroup(ctx, "g", stream.GroupOptions{VisibilityTimeout: time.Second}))
	require.NoError(t, s.CreateGroup(ctx, "g", stream.GroupOptions{}))

	var ids []stream.ID
	for i := 0; i < 3; i++ {
		id, err := s.Append(ctx, logEvent(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, stream.ID{Seq: 1}, ids[0])

	batch, err := s.ReadBatch(ctx, "g", "c1", 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, 1, batch[0].Deliveries)

	n, err := s.Ack(ctx, "g", ids[0], ids[2])
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.Ack(ctx, "g", ids[0])
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	again, err := s.ReadBatch(ctx, "g", "c2", 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, ids[1], again[0].ID)
	assert.Equal(t, 2, again[0].Deliveries)

	pending, err := s.Pending(ctx, "g")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].Consumer)
}

func TestJetStream_CapacityAndTrim(t *testing.T) {
	ctx := context.Background()
	s := newStream(t, "logs.1", 2)
	require.NoError(t, s.CreateGroup(ctx, "g", stream.GroupOptions{}))

	first, err := s.Append(ctx, logEvent(0))
	require.NoError(t, err)
	_, err = s.Append(ctx, logEvent(1))
	require.NoError(t, err)

	_, err = s.Append(ctx, logEvent(2))
	assert.ErrorIs(t, err, errors.ErrCapacityExceeded)

	batch, err := s.ReadBatch(ctx, "g", "c", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	_, err = s.Ack(ctx, "g", first)
	require.NoError(t, err)

	_, err = s.Append(ctx, logEvent(2))
	require.NoError(t, err)
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestJetStream_UnknownGroup(t *testing.T) {
	s := newStream(t, "logs.2", 0)
	_, err := s.ReadBatch(context.Background(), "missing", "c", 1, 0)
	assert.ErrorIs(t, err, errors.ErrGroupNotFound)
}
