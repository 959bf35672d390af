package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/errors"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Put(ctx, Object{Key: "logs/2026/a", Data: []byte("1")}))
	require.NoError(t, s.Put(ctx, Object{Key: "logs/2026/b", Data: []byte("2"), Encoding: "zstd"}))
	require.NoError(t, s.Put(ctx, Object{Key: "metrics/x", Data: []byte("3")}))
	require.NoError(t, s.Put(ctx, Object{Key: "logs/2026/a", Data: []byte("1b")}), "overwrite")

	keys, err := s.List(ctx, "logs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"logs/2026/a", "logs/2026/b"}, keys)

	obj, err := s.Get(ctx, "logs/2026/a")
	require.NoError(t, err)
	assert.Equal(t, "1b", string(obj.Data))

	require.NoError(t, s.Delete(ctx, "logs/2026/a"))
	require.NoError(t, s.Delete(ctx, "logs/2026/a"), "idempotent delete")
	_, err = s.Get(ctx, "logs/2026/a")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	assert.Error(t, s.Put(ctx, Object{}))
}
