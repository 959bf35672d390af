package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
)

// Redis counts requests per key in fixed windows shared by every receiver.
// When Redis is unreachable it fails open.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	limit   int
	window  time.Duration
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// NewRedis creates a limiter allowing limit requests per window.
func NewRedis(client redis.UniversalClient, prefix string, limit int, window time.Duration, clk clock.Clock, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default().With("component", "ratelimit")
	}
	if prefix == "" {
		prefix = "killkrill:ratelimit:"
	}
	return &Redis{
		client:  client,
		prefix:  prefix,
		limit:   limit,
		window:  window,
		timeout: 250 * time.Millisecond,
		clock:   clock.OrReal(clk),
		logger:  logger,
	}
}

// Allow implements Limiter
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.clock.Now()
	slot := now.UnixNano() / int64(r.window)
	windowEnd := time.Unix(0, (slot+1)*int64(r.window))
	redisKey := r.prefix + key + ":" + strconv.FormatInt(slot, 10)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.ExpireNX(ctx, redisKey, r.window+time.Second)
		return nil
	})
	if err != nil {
		r.logger.Warn("Rate limiter unavailable, allowing request", "key", key, "error", err)
		return Decision{Allowed: true, Limit: r.limit}, errors.WrapTransient(err, "ratelimit.Redis", "Allow", "increment counter")
	}

	count := int(incr.Val())
	if count > r.limit {
		return Decision{Allowed: false, Limit: r.limit, RetryAfter: windowEnd.Sub(now)}, nil
	}
	return Decision{Allowed: true, Limit: r.limit, Remaining: r.limit - count}, nil
}

// Close implements Limiter. The client is owned by the caller.
func (r *Redis) Close() error { return nil }
