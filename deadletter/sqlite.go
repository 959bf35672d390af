package deadletter

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/sqlmigrate"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

//go:embed migrations/*.sql
var migrations embed.FS

const selectColumns = `SELECT stream, consumer_group, entry_id, event, payload, appended_at, failure_reason,
	last_error, attempt_count, first_failed_at, dead_lettered_at FROM dead_letters`

// SQLite is a Store in a SQLite database.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default().With("component", "deadletter")
	}
	db, err := sqlmigrate.OpenSQLite(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "deadletter.SQLite", "Open", "open database")
	}
	fsys, err := fsSub()
	if err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "deadletter.SQLite", "Open", "load migrations")
	}
	if err := sqlmigrate.Up(ctx, db, goose.DialectSQLite3, fsys, logger); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "deadletter.SQLite", "Open", "migrate")
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Put implements Store
func (s *SQLite) Put(ctx context.Context, e Entry) (bool, error) {
	body, err := json.Marshal(e.Event)
	if err != nil {
		return false, errors.WrapInvalid(err, "deadletter.SQLite", "Put", "encode event")
	}
	var payload any
	if len(e.Payload) > 0 {
		payload = e.Payload
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO dead_letters (key, stream, consumer_group, entry_id, event,
		payload, appended_at, failure_reason, last_error, attempt_count, first_failed_at, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		e.Key(), e.Stream, e.Group, e.EntryID.String(), string(body), payload,
		e.AppendedAt.UnixMilli(), e.FailureReason, e.LastError, e.AttemptCount,
		e.FirstFailedAt.UnixMilli(), e.DeadLetteredAt.UnixMilli())
	if err != nil {
		return false, errors.WrapTransient(err, "deadletter.SQLite", "Put", "insert entry")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WrapTransient(err, "deadletter.SQLite", "Put", "rows affected")
	}
	return n == 1, nil
}

// Get implements Store
func (s *SQLite) Get(ctx context.Context, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, errors.WrapInvalid(errors.ErrKeyNotFound, "deadletter.SQLite", "Get", key)
	}
	if err != nil {
		return Entry{}, errors.WrapTransient(err, "deadletter.SQLite", "Get", "query entry")
	}
	return e, nil
}

// List implements Store
func (s *SQLite) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Stream != "" {
		where = append(where, "stream = ?")
		args = append(args, f.Stream)
	}
	if f.Group != "" {
		where = append(where, "consumer_group = ?")
		args = append(args, f.Group)
	}
	q := selectColumns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY dead_lettered_at DESC, key ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "deadletter.SQLite", "List", "query entries")
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "deadletter.SQLite", "List", "scan entry")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "deadletter.SQLite", "List", "iterate entries")
	}
	return out, nil
}

// Delete implements Store
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE key = ?`, key); err != nil {
		return errors.WrapTransient(err, "deadletter.SQLite", "Delete", "delete entry")
	}
	return nil
}

// Count implements Store
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, errors.WrapTransient(err, "deadletter.SQLite", "Count", "count entries")
	}
	return n, nil
}

// Ping checks the database connection
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store
func (s *SQLite) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                                 Entry
		entryID, body                     string
		payload                           []byte
		appended, firstFailed, deadLetter int64
	)
	if err := sc.Scan(&e.Stream, &e.Group, &entryID, &body, &payload, &appended, &e.FailureReason,
		&e.LastError, &e.AttemptCount, &firstFailed, &deadLetter); err != nil {
		return Entry{}, err
	}
	id, err := stream.ParseID(entryID)
	if err != nil {
		return Entry{}, err
	}
	e.EntryID = id
	if len(payload) > 0 {
		e.Payload = payload
	}
	if err := json.Unmarshal([]byte(body), &e.Event); err != nil {
		return Entry{}, err
	}
	e.AppendedAt = time.UnixMilli(appended).UTC()
	e.FirstFailedAt = time.UnixMilli(firstFailed).UTC()
	e.DeadLetteredAt = time.UnixMilli(deadLetter).UTC()
	return e, nil
}

func fsSub() (fs.FS, error) { return fs.Sub(migrations, "migrations") }
