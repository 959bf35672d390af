// Package http serves the ingestion API, the aggregate query surface, the
// websocket aggregate feed, /healthz and /metrics.
//
// Each ingestion request passes, in order: request id, source allowlist
// (403), credential gate (401), per-caller rate limit (429 with Retry-After),
// body size limit (413), decode (400), validation of the whole batch (400
// with per-field errors), then one append per event. An append that keeps
// failing with capacity exceeded after a short bounded retry ends the request
// with 503 and Retry-After; events appended before that stay appended and
// are reported in the response.
package http
