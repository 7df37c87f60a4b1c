package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// ErrTaskPanicked is wrapped by Submit when a task panics.
var ErrTaskPanicked = errors.New("task panicked")

// Executor runs potentially blocking tasks on a bounded set of workers so a
// slow handler cannot starve other finalize attempts of CPU or connections.
type Executor struct {
	workers int64
	sem     *semaphore.Weighted
}

// NewExecutor returns an executor running at most workers tasks at once.
// A non-positive value means GOMAXPROCS.
func NewExecutor(workers int) *Executor {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Executor{
		workers: int64(workers),
		sem:     semaphore.NewWeighted(int64(workers)),
	}
}

// Workers returns the maximum number of concurrent tasks.
func (e *Executor) Workers() int {
	return int(e.workers)
}

// Submit runs task on a worker and waits for it. The returned error is only
// set when the task could not be run or joined: ctx ended before a worker
// became free, or the task panicked. Once started, a task always runs to
// completion.
func Submit[T any](ctx context.Context, e *Executor, task func() T) (T, error) {
	var zero T
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("unable to acquire worker: %w", err)
	}

	type joined struct {
		value T
		err   error
	}
	done := make(chan joined, 1)
	go func() {
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- joined{err: fmt.Errorf("%w: %v", ErrTaskPanicked, r)}
			}
		}()
		done <- joined{value: task()}
	}()

	result := <-done
	return result.value, result.err
}
