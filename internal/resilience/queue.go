// Package resilience provides two small cross-cutting primitives used
// throughout the control plane: a bounded concurrency limiter for
// cooperative async fan-out, and an ordered shutdown registry.
//
// Grounded on internal/process/manager.go's worker/port bookkeeping
// style (a mutex-guarded map plus a small allocator) and
// cmd/server/main.go's signal-handling block, generalized from one
// hardcoded httpServer.Shutdown call into an ordered, named, bounded
// teardown sequence.
package resilience

import (
	"context"
)

// LocalQueue caps how many goroutines may run a unit of work
// concurrently — used to wrap cooperative async work that must not all
// run at once (e.g. outbound notification fan-out).
type LocalQueue struct {
	sem chan struct{}
}

func NewLocalQueue(concurrency int) *LocalQueue {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &LocalQueue{sem: make(chan struct{}, concurrency)}
}

// Run blocks until a slot is free (or ctx is done), then runs fn.
func (q *LocalQueue) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-q.sem }()
	return fn(ctx)
}

// InFlight reports how many units of work are currently running.
func (q *LocalQueue) InFlight() int {
	return len(q.sem)
}

// Capacity reports the configured concurrency limit.
func (q *LocalQueue) Capacity() int {
	return cap(q.sem)
}
