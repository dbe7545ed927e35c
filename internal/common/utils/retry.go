package utils

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts  = 5
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3
)

// RetryableFunc はリトライ対象の処理です
type RetryableFunc func(ctx context.Context) error

// RetryPolicy はリトライの回数と待ち時間を表します
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	JitterFactor float64
	// Retryable が true を返すエラーのみリトライする
	Retryable func(error) bool
}

// DefaultRetryPolicy は 0ms, 10ms, 20ms, 40ms, 80ms (+30%ジッター) の待ち時間で再実行します
func DefaultRetryPolicy(retryable func(error) bool) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  defaultMaxAttempts,
		BaseDelay:    defaultBaseDelay,
		JitterFactor: defaultJitterFactor,
		Retryable:    retryable,
	}
}

// RetryWithBackoff は指数バックオフで fn を再実行します
// リトライ不可のエラーは即座に返します
func RetryWithBackoff(ctx context.Context, policy RetryPolicy, fn RetryableFunc) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := policy.BaseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * policy.JitterFactor //nolint:gosec // ジッターには math/rand で十分
			select {
			case <-time.After(delay + time.Duration(jitter)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if policy.Retryable == nil || !policy.Retryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}
