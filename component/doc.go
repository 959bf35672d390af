// Package component defines the lifecycle contract shared by the
// long-running parts of the pipeline: receivers, stream workers and the
// HTTP gateway.
//
// A component is initialised once, started with a context it must not
// retain beyond the work it spawns, and stopped with a timeout. Health is
// reported as a point-in-time snapshot that the health package turns into
// the /healthz document.
package component
