// Package worker provides a bounded, generic worker pool.
//
// Submit never blocks: when the queue is full the item is rejected with
// ErrQueueFull and counted as dropped, which lets network receivers shed load
// instead of stalling their read loops.
//
//	pool := worker.NewPool(4, 1024, func(ctx context.Context, f Frame) error {
//	    return handle(ctx, f)
//	}, worker.WithMetrics[Frame](registry, "udp_syslog"))
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Stop closes the queue and waits for the workers to drain what was already
// accepted. Cancelling the Start context abandons queued items instead.
package worker
