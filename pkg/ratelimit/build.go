package ratelimit

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
)

// New builds the limiter cfg describes. client is required for the redis
// backend.
func New(cfg Config, client redis.UniversalClient, clk clock.Clock, logger *slog.Logger) (Limiter, error) {
	if !cfg.Enabled {
		return Unlimited{}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "ratelimit", "New", "validate config")
	}
	n, window, _ := ParseRate(cfg.Rate)
	if cfg.Backend == BackendRedis {
		if client == nil {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ratelimit", "New", "redis backend requires a client")
		}
		return NewRedis(client, cfg.KeyPrefix, n, window, clk, logger), nil
	}
	return NewMemory(n, window, cfg.Burst, clk), nil
}
