package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/storage"
	"github.com/penguintechinc/killkrill-sub000/storage/objectstore"
	"github.com/penguintechinc/killkrill-sub000/storage/s3store"
)

// Config selects and configures the sinks. Each enabled sink may be limited
// to some document kinds; an empty Kinds list accepts all.
type Config struct {
	Memory        *MemoryConfig          `json:"memory,omitempty"`
	SQLite        *SQLiteConfig          `json:"sqlite,omitempty"`
	Postgres      *PostgresConfig        `json:"postgres,omitempty"`
	Elasticsearch *ElasticSinkConfig     `json:"elasticsearch,omitempty"`
	Archive       *ArchiveSinkConfig     `json:"archive,omitempty"`
	Pushgateway   *PushgatewaySinkConfig `json:"pushgateway,omitempty"`
}

// MemoryConfig enables the in-process sink.
type MemoryConfig struct {
	Kinds []Kind `json:"kinds,omitempty"`
}

// SQLiteConfig configures the SQLite sink.
type SQLiteConfig struct {
	Path  string `json:"path"`
	Kinds []Kind `json:"kinds,omitempty"`
}

// PostgresConfig configures the PostgreSQL sink.
type PostgresConfig struct {
	DSN   string `json:"dsn"`
	Kinds []Kind `json:"kinds,omitempty"`
}

// ElasticSinkConfig configures the Elasticsearch sink.
type ElasticSinkConfig struct {
	ElasticConfig
	Kinds []Kind `json:"kinds,omitempty"`
}

// ArchiveSinkConfig configures the archive sink and its object store.
type ArchiveSinkConfig struct {
	ArchiveConfig
	// Backend is "s3", "nats" or "memory".
	Backend string             `json:"backend"`
	S3      s3store.Config     `json:"s3"`
	NATS    objectstore.Config `json:"nats"`
	Kinds   []Kind             `json:"kinds,omitempty"`
}

// PushgatewaySinkConfig configures the Pushgateway sink.
type PushgatewaySinkConfig struct {
	PushgatewayConfig
}

// DefaultConfig writes to memory only.
func DefaultConfig() Config {
	return Config{Memory: &MemoryConfig{}}
}

// Validate checks the configuration
func (c Config) Validate() error {
	n := 0
	if c.Memory != nil {
		n++
	}
	if c.SQLite != nil {
		n++
		if c.SQLite.Path == "" {
			return fmt.Errorf("sinks.sqlite.path is required")
		}
	}
	if c.Postgres != nil {
		n++
		if c.Postgres.DSN == "" {
			return fmt.Errorf("sinks.postgres.dsn is required")
		}
	}
	if c.Elasticsearch != nil {
		n++
		if err := c.Elasticsearch.Validate(); err != nil {
			return err
		}
	}
	if c.Archive != nil {
		n++
		switch c.Archive.Backend {
		case "s3":
			if err := c.Archive.S3.Validate(); err != nil {
				return err
			}
		case "nats", "memory":
		default:
			return fmt.Errorf("sinks.archive.backend %q must be s3, nats or memory", c.Archive.Backend)
		}
	}
	if c.Pushgateway != nil {
		n++
		if err := c.Pushgateway.Validate(); err != nil {
			return err
		}
	}
	if n == 0 {
		return fmt.Errorf("at least one sink must be configured")
	}
	return nil
}

// BuildDeps are the shared clients sinks may need.
type BuildDeps struct {
	Metrics  *metric.Metrics
	Registry *metric.MetricsRegistry
	// JetStream is required for the nats archive backend.
	JetStream jetstream.JetStream
	Logger    *slog.Logger
}

// Build opens every configured sink and combines them. On error the sinks
// opened so far are closed.
func Build(ctx context.Context, cfg Config, deps BuildDeps) (*Fanout, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "sink", "Build", "validate config")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "sink")
	}

	var sinks []Sink
	add := func(s Sink, kinds []Kind) {
		sinks = append(sinks, Instrument(Only(s, kinds...), deps.Metrics))
		logger.Info("sink enabled", "sink", s.Name(), "kinds", kinds)
	}
	fail := func(err error) (*Fanout, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}

	if cfg.Memory != nil {
		add(NewMemory(""), cfg.Memory.Kinds)
	}
	if cfg.SQLite != nil {
		s, err := OpenSQLite(ctx, cfg.SQLite.Path, logger.With("sink", "sqlite"))
		if err != nil {
			return fail(err)
		}
		add(s, cfg.SQLite.Kinds)
	}
	if cfg.Postgres != nil {
		s, err := ConnectPostgres(ctx, cfg.Postgres.DSN, logger.With("sink", "postgres"))
		if err != nil {
			return fail(err)
		}
		add(s, cfg.Postgres.Kinds)
	}
	if cfg.Elasticsearch != nil {
		s, err := NewElastic(cfg.Elasticsearch.ElasticConfig, nil, logger.With("sink", "elasticsearch"))
		if err != nil {
			return fail(err)
		}
		add(s, cfg.Elasticsearch.Kinds)
	}
	if cfg.Archive != nil {
		store, err := openArchiveStore(ctx, cfg.Archive, deps)
		if err != nil {
			return fail(err)
		}
		s, err := NewArchive(store, cfg.Archive.ArchiveConfig, logger.With("sink", "archive"))
		if err != nil {
			return fail(err)
		}
		add(s, cfg.Archive.Kinds)
	}
	if cfg.Pushgateway != nil {
		s, err := NewPushgateway(cfg.Pushgateway.PushgatewayConfig, nil, logger.With("sink", "pushgateway"))
		if err != nil {
			return fail(err)
		}
		add(s, nil)
	}
	return NewFanout(logger, sinks...), nil
}

func openArchiveStore(ctx context.Context, cfg *ArchiveSinkConfig, deps BuildDeps) (storage.Store, error) {
	switch cfg.Backend {
	case "s3":
		return s3store.New(ctx, cfg.S3)
	case "nats":
		if deps.JetStream == nil {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "sink", "Build", "nats archive requires a NATS connection")
		}
		return objectstore.New(ctx, deps.JetStream, cfg.NATS, deps.Registry)
	default:
		return storage.NewMemory(), nil
	}
}
