package proctor

import (
	"context"
	"time"
)

// StartSweeper runs a background goroutine that closes sessions whose time has
// run out. It only observes and transitions; remaining time is re-derived from
// each stored start instant, so a missed tick delays nothing but the push.
func StartSweeper(ctx context.Context, e *Engine, interval time.Duration) {
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	e.logger.Info("Expiry sweeper started", "interval", interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sweepExpiredSessions(ctx, e)
			case <-ctx.Done():
				e.logger.Info("Expiry sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredSessions(ctx context.Context, e *Engine) {
	expired, err := e.ExpireDue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error("Expiry sweeper failed", "error", err)
		return
	}
	if expired > 0 {
		e.logger.Info("Expiry sweeper closed sessions", "count", expired)
	}
}
