// Package health models component health and serves it to /healthz.
//
// A Status is healthy, degraded or unhealthy and may carry sub-statuses.
// Aggregate folds sub-statuses: any unhealthy makes the whole unhealthy,
// otherwise any degraded makes it degraded.
//
// A Checker runs named probes (stream reachability, sink Ping, component
// Health) concurrently under a timeout and records the outcome in a Monitor,
// which remembers when each probe last changed state:
//
//	checker := health.NewChecker(2*time.Second,
//	    health.WithMetrics(core), health.WithLogger(logger))
//	checker.Register("stream", func(ctx context.Context) error {
//	    _, err := router.Len(ctx)
//	    return err
//	})
//	checker.RegisterComponent(receiver)
//	status := checker.Check(ctx, "killkrill")
//
// Error messages are sanitized before they leave the process: URLs, paths,
// addresses, ports and credential-looking pairs are masked.
package health
