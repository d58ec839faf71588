package util

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig controls exponential backoff between retries.
type BackoffConfig struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// BackoffDelay returns the delay before the given attempt (0-based), using
// exponential growth capped at Max, with full jitter.
func BackoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	d := cfg.Base << uint(attempt)
	if d > cfg.Max || d <= 0 {
		d = cfg.Max
	}
	if d <= 0 {
		d = time.Nanosecond
	}
	// full jitter: 随机化避免重试风暴
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

// RetryWithBackoff runs fn up to MaxRetries+1 times. shouldRetry decides per
// error whether another attempt is worthwhile; context cancellation always
// stops immediately. Returns the last error when attempts are exhausted.
func RetryWithBackoff(ctx context.Context, cfg BackoffConfig, shouldRetry func(error) bool, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(BackoffDelay(cfg, attempt-1)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
