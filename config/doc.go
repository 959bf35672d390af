// Package config loads the killkrill configuration.
//
// A Config has one section per component: http and udp receivers, auth,
// rate_limit, security, stream, redis, nats, workers, processing, sinks,
// deadletter, metrics and logging. Every process reads the same document
// and uses the sections it needs.
//
// # Loading
//
// The Loader starts from Default, merges each file layer in order, then
// applies KILLKRILL_* environment variables:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/killkrill/base.jsonc")
//	loader.AddLayer("/etc/killkrill/production.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//
// Files are JSON or JSONC (comments and trailing commas are stripped).
// Nested objects merge key by key with last-wins semantics, except the sinks
// section, which a layer replaces as a whole. Unknown keys are errors.
//
// Durations are written as strings ("30s", "5m", "14d") under keys such as
// visibility_timeout, max_age, window_size or grace.
//
// # Environment Variable Overrides
//
//	KILLKRILL_HTTP_ADDR=":9080"
//	KILLKRILL_STREAM_BACKEND="redis"
//	KILLKRILL_REDIS_ADDR="redis:6379"
//	KILLKRILL_AUTH_JWT_SECRET="..."
//	KILLKRILL_NATS_URLS="nats://a:4222,nats://b:4222"
//
// # Security
//
// Files larger than 10MB, nested deeper than 100 levels, outside the working
// directory via a relative path, or not regular files are rejected.
package config
