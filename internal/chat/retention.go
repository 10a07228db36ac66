package chat

import (
	"context"
	"log/slog"
	"time"
)

const DefaultRetentionInterval = 5 * time.Minute

// SessionReaper marks sessions without recent activity inactive.
type SessionReaper interface {
	DeactivateIdleSessions(ctx context.Context, ttl time.Duration) (int64, error)
}

// StartRetentionWorker runs a background goroutine that periodically marks
// sessions idle for longer than ttl as inactive. Messages are never deleted.
// A non-positive ttl disables the worker.
func StartRetentionWorker(ctx context.Context, reaper SessionReaper, interval, ttl time.Duration, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Retention worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepIdleSessions(ctx, reaper, ttl, logger)
			case <-ctx.Done():
				logger.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepIdleSessions(ctx context.Context, reaper SessionReaper, ttl time.Duration, logger *slog.Logger) int64 {
	n, err := reaper.DeactivateIdleSessions(ctx, ttl)
	if err != nil {
		logger.Error("Retention worker failed to deactivate idle sessions", "error", err)
		return 0
	}
	if n > 0 {
		logger.Info("Retention worker deactivated idle sessions", "count", n)
	}
	return n
}
