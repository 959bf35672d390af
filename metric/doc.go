// Package metric owns the Prometheus registry of a killkrill process.
//
// MetricsRegistry wraps a prometheus.Registry pre-loaded with the Go runtime
// and process collectors and the pipeline-wide Metrics set (events accepted
// and rejected, stream depth and lag, worker transitions, sink writes,
// aggregator flushes, NATS connection state). Components register their own
// collectors under a service name; registering the same service/name pair
// twice fails.
//
// Every Record method on *Metrics is a no-op on a nil receiver, so a
// component built without a registry needs no guards:
//
//	var m *metric.Metrics // nil
//	m.RecordAccepted("log", "http", 3) // does nothing
//
// The HTTP receiver mounts MetricsRegistry.Handler at /metrics. Processes
// without the receiver run a Server:
//
//	srv := metric.NewServer(":9090", "", registry, tlsCfg, logger)
//	srv.Handle("/healthz", healthHandler)
//	if err := srv.Start(); err != nil { ... }
//	defer srv.Stop(5 * time.Second)
package metric
