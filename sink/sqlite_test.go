package sink

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteUpsert(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	batch := docs(5)
	require.NoError(t, s.Write(ctx, batch))
	require.NoError(t, s.Write(ctx, batch[:2]), "redelivered documents")

	n, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = s.Count(ctx, KindAggregate)
	require.NoError(t, err)
	assert.Zero(t, n)

	batch[0].Body = json.RawMessage(`{"message":"rewritten"}`)
	require.NoError(t, s.Write(ctx, batch[:1]))
	var body string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE id = ?`, batch[0].ID).Scan(&body))
	assert.JSONEq(t, `{"message":"rewritten"}`, body)

	require.NoError(t, s.Ping(ctx))
}

func TestSQLiteReopenKeepsDocuments(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sink.db")

	s, err := OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, docs(3)))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Count(ctx, KindLog)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
