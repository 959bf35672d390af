package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/penguintechinc/killkrill-sub000/aggregator"
	"github.com/penguintechinc/killkrill-sub000/consumer"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/gateway"
	"github.com/penguintechinc/killkrill-sub000/input/udp"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/pkg/auth"
	"github.com/penguintechinc/killkrill-sub000/pkg/ratelimit"
	"github.com/penguintechinc/killkrill-sub000/pkg/security"
	"github.com/penguintechinc/killkrill-sub000/processor/logs"
	procmetrics "github.com/penguintechinc/killkrill-sub000/processor/metrics"
	"github.com/penguintechinc/killkrill-sub000/sink"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

// Stream backends
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendJetStream = "jetstream"
	BackendSQLite    = "sqlite"
)

// Stream base names
const (
	LogsStream    = "logs"
	MetricsStream = "metrics"
)

// Config is the complete killkrill configuration. Every process reads the
// same file and uses the sections it needs.
type Config struct {
	Logging    LoggingConfig       `json:"logging"`
	HTTP       gateway.Config      `json:"http"`
	UDP        udp.Config          `json:"udp"`
	Auth       auth.Config         `json:"auth"`
	RateLimit  ratelimit.Config    `json:"rate_limit"`
	Security   security.Config     `json:"security,omitempty"`
	Stream     StreamConfig        `json:"stream"`
	Redis      RedisConfig         `json:"redis"`
	NATS       NATSConfig          `json:"nats"`
	Workers    WorkersConfig       `json:"workers"`
	Processing ProcessingConfig    `json:"processing"`
	Sinks      sink.Config         `json:"sinks"`
	DeadLetter DeadLetterConfig    `json:"deadletter"`
	Metrics    MetricsServerConfig `json:"metrics"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level"`
	// Format is json or text.
	Format string `json:"format"`
}

// SlogLevel converts Level; unknown levels are reported by Validate.
func (c LoggingConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// StreamConfig selects the stream backend and sizes every partition.
type StreamConfig struct {
	Backend    string `json:"backend"`
	Partitions int    `json:"partitions"`
	// MaxLen bounds each partition. Appends beyond it fail with
	// CapacityExceeded.
	MaxLen            int           `json:"max_len"`
	MaxAge            time.Duration `json:"max_age"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
	Limits            event.Limits  `json:"limits"`
	// Journal makes the memory backend durable. Nil keeps it volatile.
	Journal *stream.JournalConfig `json:"journal,omitempty"`
	// SubjectPrefix and Replicas apply to the jetstream backend.
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	Replicas      int    `json:"replicas,omitempty"`
	// KeyPrefix namespaces Redis stream keys.
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// Names returns the partition names of base, e.g. logs.0 ... logs.N-1.
func (c StreamConfig) Names(base string) []string {
	n := max(c.Partitions, 1)
	out := make([]string, n)
	for i := range out {
		out[i] = stream.PartitionName(base, i)
	}
	return out
}

// RedisConfig is shared by the redis stream backend and the redis rate
// limiter.
type RedisConfig struct {
	// Addr is host:port or a redis:// URL.
	Addr string `json:"addr"`
}

// URL returns Addr as a redis:// URL.
func (c RedisConfig) URL() string {
	if c.Addr == "" || strings.Contains(c.Addr, "://") {
		return c.Addr
	}
	return "redis://" + c.Addr
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// URL joins URLs the way nats.Connect accepts them.
func (c NATSConfig) URL() string {
	return strings.Join(c.URLs, ",")
}

// WorkersConfig holds one consumer configuration per pipeline.
type WorkersConfig struct {
	Logs    consumer.Config `json:"logs"`
	Metrics consumer.Config `json:"metrics"`
}

// ProcessingConfig configures the pipeline handlers.
type ProcessingConfig struct {
	Logs    logs.Config        `json:"logs"`
	Metrics procmetrics.Config `json:"metrics"`
	// RetainedWindows bounds the flushed windows kept for the aggregate
	// query API.
	RetainedWindows int `json:"retained_windows"`
}

// DeadLetterConfig selects where dead-lettered entries are kept.
type DeadLetterConfig struct {
	Backend string `json:"backend"`
	Path    string `json:"path,omitempty"`
}

// MetricsServerConfig configures the standalone /metrics listener used by
// processes without the HTTP receiver.
type MetricsServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path,omitempty"`
}

// Default returns the configuration used when no file is given: every
// component in-process on the memory backend.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		HTTP:      gateway.DefaultConfig(),
		UDP:       udp.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Stream: StreamConfig{
			Backend:           BackendMemory,
			Partitions:        4,
			MaxLen:            stream.DefaultMaxLen,
			MaxAge:            time.Hour,
			VisibilityTimeout: stream.DefaultVisibilityTimeout,
			Limits:            event.DefaultLimits(),
			SubjectPrefix:     "killkrill",
			Replicas:          1,
			KeyPrefix:         "killkrill:",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "killkrill",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Workers: WorkersConfig{
			Logs:    consumer.DefaultConfig(LogsStream),
			Metrics: consumer.DefaultConfig(MetricsStream),
		},
		Processing: ProcessingConfig{
			Logs:            logs.Config{IndexPrefix: "killkrill"},
			Metrics:         procmetrics.Config{IndexPrefix: "killkrill", Aggregator: aggregator.DefaultConfig()},
			RetainedWindows: 10000,
		},
		Sinks:      sink.DefaultConfig(),
		DeadLetter: DeadLetterConfig{Backend: BackendMemory},
		Metrics:    MetricsServerConfig{Enabled: true, Addr: ":9100", Path: metric.DefaultPath},
	}
}

// Validate checks every section and the settings that span sections.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if c.UDP.Enabled {
		if err := c.UDP.Validate(); err != nil {
			return fmt.Errorf("udp: %w", err)
		}
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if c.RateLimit.Enabled && c.RateLimit.Backend == ratelimit.BackendRedis && c.Redis.Addr == "" {
		return errors.New("rate_limit: redis backend requires redis.addr")
	}
	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("security: %w", err)
	}
	if err := c.validateStream(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := c.Workers.Logs.Validate(); err != nil {
		return fmt.Errorf("workers.logs: %w", err)
	}
	if err := c.Workers.Metrics.Validate(); err != nil {
		return fmt.Errorf("workers.metrics: %w", err)
	}
	if err := c.Processing.Metrics.Aggregator.Validate(); err != nil {
		return fmt.Errorf("processing.metrics.aggregator: %w", err)
	}
	if c.Processing.RetainedWindows < 0 {
		return errors.New("processing.retained_windows cannot be negative")
	}
	if err := c.Sinks.Validate(); err != nil {
		return fmt.Errorf("sinks: %w", err)
	}
	if c.Sinks.Archive != nil && c.Sinks.Archive.Backend == "nats" && len(c.NATS.URLs) == 0 {
		return errors.New("sinks: nats archive requires nats.urls")
	}
	switch c.DeadLetter.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.DeadLetter.Path == "" {
			return errors.New("deadletter: sqlite backend requires path")
		}
	default:
		return fmt.Errorf("deadletter: backend %q must be memory or sqlite", c.DeadLetter.Backend)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics: addr is required when enabled")
	}
	return nil
}

func (c *Config) validateStream() error {
	s := c.Stream
	if s.Partitions < 1 {
		return errors.New("partitions must be at least 1")
	}
	if s.MaxLen == 0 {
		return errors.New("max_len cannot be zero")
	}
	if s.MaxAge < 0 || s.VisibilityTimeout < 0 {
		return errors.New("max_age and visibility_timeout cannot be negative")
	}
	if s.Limits.MaxBatch <= 0 {
		return errors.New("limits.max_batch must be positive")
	}
	switch s.Backend {
	case BackendMemory:
		if s.Journal != nil && s.Journal.Dir == "" {
			return errors.New("journal.dir is required when journal is set")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis backend requires redis.addr")
		}
	case BackendJetStream:
		if len(c.NATS.URLs) == 0 {
			return errors.New("jetstream backend requires nats.urls")
		}
	default:
		return fmt.Errorf("backend %q must be memory, redis or jetstream", s.Backend)
	}
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	clone := new(Config)
	if err := json.Unmarshal(data, clone); err != nil {
		copied := *c
		return &copied
	}
	clone.restoreUnexported(c)
	return clone
}

// restoreUnexported copies fields that do not survive a JSON round trip.
func (c *Config) restoreUnexported(from *Config) {
	c.Workers.Logs.Backoff = from.Workers.Logs.Backoff
	c.Workers.Metrics.Backoff = from.Workers.Metrics.Backoff
}

// Redacted returns a copy with credentials replaced, for printing.
func (c *Config) Redacted() *Config {
	out := c.Clone()
	redact := func(s *string) {
		if *s != "" {
			*s = "REDACTED"
		}
	}
	redact(&out.Auth.JWTSecret)
	for i := range out.Auth.APIKeys {
		redact(&out.Auth.APIKeys[i].Hash)
	}
	redact(&out.NATS.Password)
	redact(&out.NATS.Token)
	if out.Sinks.Postgres != nil {
		redact(&out.Sinks.Postgres.DSN)
	}
	if out.Sinks.Elasticsearch != nil {
		redact(&out.Sinks.Elasticsearch.Password)
		redact(&out.Sinks.Elasticsearch.APIKey)
	}
	if out.Sinks.Archive != nil {
		redact(&out.Sinks.Archive.S3.SecretAccessKey)
	}
	if out.Sinks.Pushgateway != nil {
		redact(&out.Sinks.Pushgateway.Password)
	}
	return out
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
