package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error that another attempt cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "non-retryable: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NonRetryable marks err as permanent. Nil stays nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsNonRetryable reports whether err, or anything it wraps, was marked
// with NonRetryable.
func IsNonRetryable(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Config is an exponential backoff policy. Zero delays and multiplier take
// the DefaultConfig values; MaxAttempts below 1 means a single attempt.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// AddJitter stretches each wait by up to a quarter.
	AddJitter bool

	// Retryable rejects errors not worth another attempt.
	Retryable func(error) bool
	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig: 3 attempts, 100ms to 5s.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, AddJitter: true}
}

// Quick is for request paths that answer 503 when the stream stays
// unavailable: 3 attempts, 10ms to 100ms.
func Quick() Config {
	return Config{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Multiplier: 2, AddJitter: true}
}

// Persistent is for connecting at startup and for worker fetch loops: 30
// attempts, 200ms to 10s.
func Persistent() Config {
	return Config{MaxAttempts: 30, InitialDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, AddJitter: true}
}

const maxMultiplier = 1000

func (cfg Config) resolve() (Config, error) {
	switch {
	case cfg.InitialDelay < 0, cfg.MaxDelay < 0:
		return cfg, errors.New("retry: delays must not be negative")
	case cfg.Multiplier < 0:
		return cfg, errors.New("retry: multiplier must not be negative")
	}
	def := DefaultConfig()
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = def.Multiplier
	}
	cfg.Multiplier = min(cfg.Multiplier, maxMultiplier)
	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	if cfg.MaxDelay < cfg.InitialDelay {
		return cfg, fmt.Errorf("retry: max delay %s is below initial delay %s", cfg.MaxDelay, cfg.InitialDelay)
	}
	return cfg, nil
}

// Delay is the wait after the n-th failed attempt, without jitter. It is 0
// for n < 1 or an invalid policy.
func (cfg Config) Delay(n int) time.Duration {
	cfg, err := cfg.resolve()
	if err != nil || n < 1 {
		return 0
	}
	d := float64(cfg.InitialDelay)
	for range n - 1 {
		d *= cfg.Multiplier
		if d >= float64(cfg.MaxDelay) {
			return cfg.MaxDelay
		}
	}
	return time.Duration(d)
}

func (cfg Config) wait(n int) time.Duration {
	d := cfg.Delay(n)
	if cfg.AddJitter && d >= 4 {
		d += rand.N(d / 4)
	}
	return d
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx ends. The final error wraps the last one fn returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.resolve()
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := fn()
		switch {
		case err == nil:
			return nil
		case IsNonRetryable(err), cfg.Retryable != nil && !cfg.Retryable(err):
			return err
		case ctx.Err() != nil:
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		case attempt >= cfg.MaxAttempts:
			return fmt.Errorf("retry failed after %d attempts: %w", attempt, err)
		}

		wait := cfg.wait(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled waiting for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, func() error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}
