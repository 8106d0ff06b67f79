// Package storage holds the small pieces shared by both backend adapters
// (internal/storage/redismi and internal/storage/mongops): the retry policy
// applied to transient store errors.
package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy returns the three-attempt, 100ms-exponential-backoff policy
// every MI/PS adapter call wraps its transient operations in.
func RetryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries instead
	return backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)
}

// WithRetry runs op, retrying transient failures up to three attempts total
// with exponential backoff starting at 100ms. isTransient classifies which
// errors are worth retrying; permanent errors and nil both stop the loop.
func WithRetry(ctx context.Context, isTransient func(error) bool, op func() error) error {
	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, RetryPolicy(ctx))
	if err != nil {
		return lastErr
	}
	return nil
}
