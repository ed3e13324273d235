package engine

import (
	"context"
	"time"
)

// RunSweeper calls SweepOverdue every interval until ctx is done. Sweep
// failures are logged and retried on the next tick.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := e.SweepOverdue(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.logger().Error("overdue sweep failed", "error", err)
				continue
			}
			if n > 0 {
				e.logger().Info("overdue stages flagged", "count", n)
			}
		}
	}
}
