package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/graphchat/internal/shared"
)

// DefaultPruneInterval is how often the prune worker sweeps old checkpoints.
const DefaultPruneInterval = 5 * time.Minute

// Pruner deletes all but the newest keep checkpoints of every thread.
type Pruner interface {
	Prune(ctx context.Context, keep int) (int64, error)
}

// pruneWithRetry retries Prune with exponential backoff on SQLITE_BUSY.
func pruneWithRetry(ctx context.Context, p Pruner, keep int) (int64, error) {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		var deleted int64
		deleted, err = p.Prune(ctx, keep)
		if err == nil {
			return deleted, nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("Prune worker: database locked, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}
	return 0, fmt.Errorf("prune checkpoints after %d attempts: %w", maxRetries, err)
}

// StartPruneWorker runs a background goroutine that periodically trims
// checkpoint history to keep snapshots per thread. It sweeps once at start,
// which catches up after the retention setting was lowered.
func StartPruneWorker(ctx context.Context, p Pruner, keep int, interval time.Duration) {
	if keep <= 0 {
		slog.Info("Prune worker disabled", "keep", keep)
		return
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		slog.Info("Prune worker started", "interval", interval, "keep", keep)

		sweep(ctx, p, keep)
		for {
			select {
			case <-ticker.C:
				sweep(ctx, p, keep)
			case <-ctx.Done():
				slog.Info("Prune worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, p Pruner, keep int) {
	deleted, err := pruneWithRetry(ctx, p, keep)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Prune worker failed", "error", err)
		}
		return
	}
	if deleted > 0 {
		slog.Info("Prune worker removed old checkpoints", "count", deleted)
	}
}
