// Package transfer schedules upload work.
//
// RunQueued drives independent jobs (multipart parts) with a fixed concurrency
// ceiling and per-job retries. Manager is the admission gate that bounds how many
// whole-file uploads run at once.
package transfer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rescale/edgestore-int/internal/retry"
)

// QueueOptions configures RunQueued.
type QueueOptions struct {
	// MaxParallel is the most jobs executing at any instant. Values below 1 mean 1.
	MaxParallel int

	// MaxRetries is the number of additional attempts per job after its first failure.
	MaxRetries int

	// RetryDelay is the fixed pause before each retry.
	RetryDelay time.Duration

	// OnRetry is called before a job waits to be retried.
	OnRetry func(index, attempt int, err error)
}

// ItemError identifies the job that failed permanently.
type ItemError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("queued item %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// RunQueued executes fn for every item and returns the results in input order.
//
// At most opts.MaxParallel calls of fn run concurrently. A slot is held for the
// whole life of a job, retries and backoff sleeps included, and released exactly
// once on every exit path. When a job exhausts its retries RunQueued returns an
// *ItemError and no results. Jobs already running are left to finish, they are
// not cancelled; jobs still waiting for a slot are never started.
func RunQueued[T, R any](ctx context.Context, items []T, fn func(ctx context.Context, item T) (R, error), opts QueueOptions) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}

	maxParallel := opts.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	sem := semaphore.NewWeighted(int64(maxParallel))
	var failed atomic.Bool

	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return &ItemError{Index: i, Err: err}
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return &ItemError{Index: i, Err: err}
			}
			defer sem.Release(1)
			if failed.Load() {
				return nil
			}

			cfg := retry.Config{
				MaxRetries: opts.MaxRetries,
				Backoff:    retry.Fixed(opts.RetryDelay),
			}
			if opts.OnRetry != nil {
				cfg.OnRetry = func(attempt int, err error) { opts.OnRetry(i, attempt, err) }
			}

			attempts, err := retry.Do(ctx, cfg, func(ctx context.Context) error {
				res, err := fn(ctx, item)
				if err != nil {
					return err
				}
				// Each goroutine owns exactly one index
				results[i] = res
				return nil
			})
			if err != nil {
				failed.Store(true)
				return &ItemError{Index: i, Attempts: attempts, Err: err}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
