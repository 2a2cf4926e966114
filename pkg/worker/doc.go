// Package worker provides a generic, thread-safe worker pool.
//
// A Pool runs a fixed number of goroutines that take items from a bounded
// queue and hand them to a processor. Submit never blocks: when the queue is
// full it returns ErrQueueFull and the caller decides what to do with the item.
//
//	pool := worker.NewPool(4, 64, func(ctx context.Context, job Job) error {
//	    return job.Run(ctx)
//	}, worker.WithDropHandler(func(job Job, err error) {
//	    job.Fail(err)
//	}))
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Every accepted item reaches exactly one of the processor or the drop
// handler, except when Stop times out while a processor is still running.
// Processor panics are recovered, counted as failures and reported to the
// drop handler with ErrProcessorPanic.
//
// Statistics are always tracked (Stats). Prometheus metrics are registered
// when WithMetricsRegistry is given a registry and a non-empty prefix.
package worker
