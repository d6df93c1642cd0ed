package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds retries of SQLite writes that hit lock contention.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy mirrors the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond}

// Retry runs fn, retrying with exponential backoff while it fails with a
// SQLite busy/locked error. Other errors are returned immediately.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 1
	}

	var err error
	for i := 0; i < policy.MaxRetries; i++ {
		err = fn(ctx)
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == policy.MaxRetries-1 {
			break
		}

		delay := policy.BaseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, policy.MaxRetries, err)
}
