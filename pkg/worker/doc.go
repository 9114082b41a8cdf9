// Package worker provides a bounded generic worker pool.
//
// Submit never blocks: when the queue is full the item is dropped and ErrQueueFull is
// returned, so producers on transport goroutines are never stalled by slow work. The
// hub uses a pool to re-fetch entity status for exchange notifications that carry no
// inline values.
//
//	pool, err := worker.NewPool(4, 256, func(ctx context.Context, job recheck) error {
//	    return h.recheck(ctx, job)
//	}, worker.WithLogger[recheck](logger))
//	if err != nil {
//	    return err
//	}
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// A processor panic is recovered, logged and counted as a failure; the worker keeps
// running. Statistics are always collected; Prometheus metrics are registered only
// when WithMetricsRegistry is given.
package worker
