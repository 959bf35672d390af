// Package gateway describes the HTTP surface of the pipeline: the route
// table and the listener configuration shared by the ingestion server in
// gateway/http.
//
// # Routes
//
//	POST /api/v1/logs                 submit one log event or an array
//	POST /api/v1/metrics              submit one metric sample or an array
//	GET  /api/v1/aggregates           query recently flushed windows
//	GET  /api/v1/aggregates/stream    websocket feed of flushed windows
//	GET  /api/v1/deadletters          list dead-lettered entries
//	GET  /healthz                     stream and sink checks
//	GET  /metrics                     Prometheus exposition
//
// Ingestion routes answer 202 once every event of the request has been
// appended to the stream. Nothing beyond the append is promised: sink writes
// happen later in the workers and their failures never reach the submitter.
package gateway
