package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the context-aware default SleepFunc
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do executes a function with jittered exponential retries according to the policy
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		// backoff + random(0, 50% of backoff)
		sleepTime := backoff
		if half := int64(backoff / 2); half > 0 {
			sleepTime += time.Duration(rand.Int63n(half))
		}

		if serr := Sleep(ctx, sleepTime); serr != nil {
			return serr
		}
		backoff = minDuration(backoff*2, policy.MaxBackoff)
	}

	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
