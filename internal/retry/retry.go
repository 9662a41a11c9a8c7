// Package retry runs an operation again after failures, waiting between attempts.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Backoff returns the wait before retry number attempt (1-based).
type Backoff func(attempt int) time.Duration

// Fixed waits the same delay before every retry.
// Part uploads use this; the delay is a constant pause, not a growing one.
func Fixed(delay time.Duration) Backoff {
	return func(int) time.Duration { return delay }
}

// Exponential waits a random duration in [0, min(maxDelay, initialDelay*2^attempt)).
func Exponential(initialDelay, maxDelay time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return CalculateBackoff(attempt, initialDelay, maxDelay)
	}
}

// CalculateBackoff returns exponential backoff duration with full jitter
// Full jitter prevents thundering herd problem when many clients retry simultaneously
//
// Formula: random(0, min(maxDelay, initialDelay * 2^attempt))
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || initialDelay <= 0 {
		return 0
	}

	// Cap the shift so large attempt numbers can't overflow
	shift := attempt
	if shift > 30 {
		shift = 30
	}
	base := time.Duration(1<<uint(shift)) * initialDelay
	if base > maxDelay || base <= 0 {
		base = maxDelay
	}
	if base <= 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(base)))
}

// Config holds retry parameters for Do.
type Config struct {
	// MaxRetries is the number of additional attempts after the first one.
	// 0 means the operation runs exactly once.
	MaxRetries int

	// Backoff computes the wait before each retry. nil means no wait.
	Backoff Backoff

	// OnRetry is invoked before sleeping ahead of retry number attempt.
	OnRetry func(attempt int, err error)
}

// Do runs op until it succeeds or MaxRetries retries have failed.
// It returns the number of attempts made and the last error.
// A cancelled context stops the loop between attempts and returns ctx.Err().
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	for {
		attempts++
		err := op(ctx)
		if err == nil {
			return attempts, nil
		}

		if attempts > cfg.MaxRetries {
			return attempts, err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempts, err)
		}

		var delay time.Duration
		if cfg.Backoff != nil {
			delay = cfg.Backoff(attempts)
		}
		if err := sleep(ctx, delay); err != nil {
			return attempts, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
