package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/sqlmigrate"
)

const postgresUpsert = `INSERT INTO documents (id, entry_id, kind, index_name, ts, body, written_at)
	VALUES ($1, $2, $3, $4, $5, $6, now())
	ON CONFLICT (id) DO UPDATE SET
		body = EXCLUDED.body,
		index_name = EXCLUDED.index_name,
		written_at = now()`

// Postgres stores documents in PostgreSQL with one batched upsert per write.
type Postgres struct {
	pool   *pgxpool.Pool
	owned  bool
	logger *slog.Logger
}

// ConnectPostgres opens a pool for dsn and migrates the schema.
func ConnectPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "Postgres", "Connect", "create pool")
	}
	p, err := NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewPostgres migrates the schema over an existing pool. Close does not close
// a pool passed in this way.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default().With("component", "sink", "sink", "postgres")
	}
	db := sqlmigrate.PostgresDB(pool)
	defer db.Close()
	if err := sqlmigrate.Up(ctx, db, goose.DialectPostgres, migrationsFor("postgres"), logger); err != nil {
		return nil, errors.WrapFatal(err, "Postgres", "New", "migrate")
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Name implements Sink
func (p *Postgres) Name() string { return "postgres" }

// Write implements Sink. Rows are sent as one pgx batch inside a
// transaction; a row failure fails the batch.
func (p *Postgres) Write(ctx context.Context, docs []Document) error {
	batch := &pgx.Batch{}
	for _, d := range docs {
		batch.Queue(postgresUpsert, d.ID, d.EntryID, string(d.Kind), d.Index, d.Timestamp.UTC(), string(d.Body))
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return errors.WrapTransient(err, "Postgres", "Write", "upsert batch")
	}
	return nil
}

// Count returns the number of stored documents.
func (p *Postgres) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "Postgres", "Count", "query")
	}
	return n, nil
}

// Ping implements Pinger
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Close implements Sink
func (p *Postgres) Close() error {
	if p.owned {
		p.pool.Close()
	}
	return nil
}
