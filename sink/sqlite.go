package sink

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/sqlmigrate"
)

//go:embed migrations
var migrations embed.FS

func migrationsFor(dialect string) fs.FS {
	sub, err := fs.Sub(migrations, "migrations/"+dialect)
	if err != nil {
		panic(err)
	}
	return sub
}

const sqliteUpsert = `INSERT INTO documents (id, entry_id, kind, index_name, ts, body, written_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		body = excluded.body,
		index_name = excluded.index_name,
		written_at = excluded.written_at`

// SQLite stores documents in a single upsert table.
type SQLite struct {
	name   string
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default().With("component", "sink", "sink", "sqlite")
	}
	db, err := sqlmigrate.OpenSQLite(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLite", "Open", "open database")
	}
	if err := sqlmigrate.Up(ctx, db, goose.DialectSQLite3, migrationsFor("sqlite"), logger); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "SQLite", "Open", "migrate")
	}
	return &SQLite{name: "sqlite", db: db, logger: logger}, nil
}

// Name implements Sink
func (s *SQLite) Name() string { return s.name }

// Write implements Sink. The batch is one transaction.
func (s *SQLite) Write(ctx context.Context, docs []Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "Write", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "Write", "prepare upsert")
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, d := range docs {
		if _, err := stmt.ExecContext(ctx, d.ID, d.EntryID, string(d.Kind), d.Index,
			d.Timestamp.UnixMilli(), string(d.Body), now); err != nil {
			return errors.WrapTransient(err, "SQLite", "Write", fmt.Sprintf("upsert %s", d.ID))
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "SQLite", "Write", "commit")
	}
	return nil
}

// Count returns the number of stored documents of kind, or all kinds when
// kind is empty.
func (s *SQLite) Count(ctx context.Context, kind Kind) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE kind = ?`, string(kind)).Scan(&n)
	}
	if err != nil {
		return 0, errors.Wrap(err, "SQLite", "Count", "query")
	}
	return n, nil
}

// Ping implements Pinger
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements Sink
func (s *SQLite) Close() error { return s.db.Close() }
