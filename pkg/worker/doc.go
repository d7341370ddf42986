// Package worker provides a bounded worker pool.
//
// Pool[T] runs a fixed number of goroutines over a buffered queue; Submit
// never blocks and reports ErrQueueFull instead. Processor panics are
// recovered and counted as failures.
//
// TaskPool specialises Pool for self-describing tasks and is what the cache
// package accepts as a refresh executor or asynchronous removal listener sink:
//
//	pool := worker.NewTaskPool(4, 256)
//	if err := pool.Start(ctx); err != nil {
//		return err
//	}
//	defer pool.StopAndWait()
//
//	c, err := cache.NewLoading[string, *User](loader,
//		cache.WithRefreshAfterWrite[string, *User](time.Minute),
//		cache.WithRefreshExecutor[string, *User](pool),
//	)
package worker
