// Package retry implements jittered exponential backoff for transient
// failures.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc decides whether an error is worth retrying.
type IsTransientFunc func(error) bool

// OnRetryFunc is invoked before each sleep with the attempt number (1-based)
// and the error that caused the retry.
type OnRetryFunc func(attempt int, err error)

// Do executes fn with retries according to the policy. The backoff doubles
// each attempt, capped at MaxBackoff, with up to 50% random jitter added.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	return DoNotify(ctx, policy, isTransient, nil, fn)
}

// DoNotify is Do with a per-retry callback.
func DoNotify(ctx context.Context, policy Policy, isTransient IsTransientFunc, onRetry OnRetryFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if isTransient != nil && !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		if onRetry != nil {
			onRetry(attempt+1, err)
		}

		sleep := backoff
		if backoff > 0 {
			sleep += time.Duration(rand.Int63n(int64(backoff/2) + 1))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
			backoff = min(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}

// Backoff returns the nth (1-based) delay for the given base without jitter,
// capped at max. Used where the caller owns the sleep.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}
