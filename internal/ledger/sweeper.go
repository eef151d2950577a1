package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartSweeper periodically rolls back reservations older than maxAge
// until ctx is cancelled.
func StartSweeper(ctx context.Context, s Sweeper, interval, maxAge time.Duration, logger *zap.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Sweep(ctx, maxAge)
				if err != nil {
					logger.Warn("credit reservation sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("rolled back stale credit reservations", zap.Int("count", n))
				}
			}
		}
	}()
}
