package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/roomchat/internal/shared"
)

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

// withBusyRetry runs fn, retrying SQLITE_BUSY and "database is locked"
// failures with exponential backoff: 50ms, 100ms.
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == busyRetries-1 {
			break
		}
		delay := busyBaseDelay * time.Duration(1<<i)
		slog.Debug("Database busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
