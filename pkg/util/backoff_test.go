package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff(maxRetries int) BackoffConfig {
	return BackoffConfig{MaxRetries: maxRetries, Base: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestBackoffDelayWithinBounds(t *testing.T) {
	cfg := BackoffConfig{MaxRetries: 5, Base: 100 * time.Millisecond, Max: time.Second}

	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 20; i++ {
			d := BackoffDelay(cfg, attempt)
			assert.Greater(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, cfg.Max)
		}
	}
}

func TestBackoffDelayCapsOverflow(t *testing.T) {
	cfg := BackoffConfig{MaxRetries: 100, Base: time.Second, Max: 30 * time.Second}

	// 左移溢出后必须回落到 Max 封顶
	d := BackoffDelay(cfg, 80)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, cfg.Max)
}

func TestBackoffDelayZeroConfig(t *testing.T) {
	// 未经 config.Load 填默认值的零值配置不得 panic
	var d time.Duration
	assert.NotPanics(t, func() {
		d = BackoffDelay(BackoffConfig{}, 0)
	})
	assert.Greater(t, d, time.Duration(0))
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastBackoff(3), nil, nil, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryEventualSuccess(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastBackoff(3),
		func(err error) bool { return true },
		nil,
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	retries := 0
	sentinel := errors.New("still failing")
	err := RetryWithBackoff(context.Background(), fastBackoff(3),
		func(err error) bool { return true },
		func(attempt int, err error) { retries++ },
		func(ctx context.Context) error {
			calls++
			return sentinel
		})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, retries)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastBackoff(5),
		func(err error) bool { return false },
		nil,
		func(ctx context.Context) error {
			calls++
			return errors.New("fatal")
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryWithBackoff(ctx, fastBackoff(10),
		func(err error) bool { return true },
		nil,
		func(ctx context.Context) error {
			calls++
			cancel()
			return errors.New("transient")
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"timeout string", errors.New("request timeout"), true},
		{"scoring 5xx", errors.New("scoring service 5xx: 503"), true},
		{"rate limited", errors.New("rate limit exceeded"), true},
		{"http 429", errors.New("status 429"), true},
		{"duplicate key", errors.New(`duplicate key value violates unique constraint "users_email_key"`), false},
		{"unknown", errors.New("no such category"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := IsRetryableError(tc.err)
			assert.Equal(t, tc.retryable, got)
		})
	}
}
