package client

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	errs "github.com/ossx/ossx/internal/errors"
)

// retryWithBackoff runs operation up to maxRetries+1 times. Only transport
// failures and 5xx responses are retried; streaming operations never go
// through here because their bodies cannot be replayed.
func (b *Bucket) retryWithBackoff(ctx context.Context, name string, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}

		if attempt < b.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * b.retryBase
			b.logger.Debug("retrying operation",
				zap.String("operation", name),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

func retryable(err error) bool {
	if errs.IsRetryable(err) {
		return true
	}
	var se *errs.ServerError
	return errors.As(err, &se) && se.Status >= 500
}

// Retry runs operation under the bucket's retry policy. operation must be
// safe to replay, for example an upload that reopens its source file.
func (b *Bucket) Retry(ctx context.Context, name string, operation func() error) error {
	return b.retryWithBackoff(ctx, name, operation)
}
