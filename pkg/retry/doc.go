// Package retry provides exponential backoff retry logic for transient failures.
//
// Do runs a function until it succeeds, the attempt budget is spent, the
// context is cancelled, or the error is marked permanent (NonRetryable or
// rejected by Config.Retryable). Delays grow by Multiplier up to MaxDelay,
// with up to 25% jitter when AddJitter is set.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s
//   - Quick(): 3 attempts, 10ms-100ms, used on the HTTP ingest path before a 503
//   - Persistent(): 30 attempts, 200ms-10s, used for startup connections
//
// Example:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    _, err := router.Append(ctx, ev)
//	    return err
//	})
package retry
