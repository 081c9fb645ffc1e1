package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often expired tokens are removed.
const DefaultSweepInterval = 5 * time.Minute

// tokenSweeper is the subset of Repository the TTL worker needs.
type tokenSweeper interface {
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// StartTTLWorker runs a background goroutine that periodically deletes
// expired temporary tokens until ctx is cancelled.
func StartTTLWorker(ctx context.Context, repo tokenSweeper, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				sweepExpiredTokens(ctx, repo)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredTokens(ctx context.Context, repo tokenSweeper) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	deleted, err := repo.DeleteExpiredTokens(sweepCtx, time.Now())
	if err != nil {
		slog.Error("TTL worker failed to delete expired tokens", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("TTL worker removed expired tokens", "count", deleted)
	}
}
