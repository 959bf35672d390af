// Package ratelimit limits ingestion per caller, in process with token
// buckets or shared across receivers with Redis fixed windows.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long to wait before the next request may pass.
	RetryAfter time.Duration
}

// Limiter decides whether a request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// Config configures a limiter.
type Config struct {
	Enabled bool `json:"enabled"`
	// Rate is "<n>/<unit>" with unit second, minute or hour, e.g. "100/minute".
	Rate string `json:"rate"`
	// Burst is the memory bucket size. Zero uses the request count.
	Burst   int    `json:"burst"`
	Backend string `json:"backend"`
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `json:"key_prefix"`
}

// DefaultConfig returns a disabled 100/minute memory limiter.
func DefaultConfig() Config {
	return Config{Rate: "100/minute", Backend: BackendMemory, KeyPrefix: "killkrill:ratelimit:"}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, _, err := ParseRate(c.Rate); err != nil {
		return err
	}
	if c.Burst < 0 {
		return fmt.Errorf("burst cannot be negative")
	}
	switch c.Backend {
	case "", BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("rate_limit.backend %q must be memory or redis", c.Backend)
	}
	return nil
}

// ParseRate parses "<n>/<unit>".
func ParseRate(s string) (int, time.Duration, error) {
	n, unit, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return 0, 0, fmt.Errorf("rate %q must look like 100/minute", s)
	}
	count, err := strconv.Atoi(strings.TrimSpace(n))
	if err != nil || count <= 0 {
		return 0, 0, fmt.Errorf("rate %q: count must be a positive integer", s)
	}
	var window time.Duration
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "s", "sec", "second":
		window = time.Second
	case "m", "min", "minute":
		window = time.Minute
	case "h", "hour":
		window = time.Hour
	default:
		d, err := time.ParseDuration(unit)
		if err != nil || d <= 0 {
			return 0, 0, fmt.Errorf("rate %q: unknown unit %q", s, unit)
		}
		window = d
	}
	return count, window, nil
}

// Unlimited always allows.
type Unlimited struct{}

// Allow implements Limiter
func (Unlimited) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Close implements Limiter
func (Unlimited) Close() error { return nil }
