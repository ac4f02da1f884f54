package game

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxalabs/voxroom/internal/store"
)

const ttlWorkerInterval = 5 * time.Minute

// StartTTLWorker runs a background goroutine that periodically sweeps
// for game sessions whose rooms went quiet longer than ttl. Stale
// sessions otherwise pin rooms in game mode forever after a crash or
// an abandoned tab.
func StartTTLWorker(ctx context.Context, repo store.Repository, ttl time.Duration) {
	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("session TTL worker started", "interval", ttlWorkerInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpiredSessions(ctx, repo, ttl)
			case <-ctx.Done():
				slog.Info("session TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredSessions(ctx context.Context, repo store.Repository, ttl time.Duration) {
	deleted, err := repo.CleanupExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to cleanup expired game sessions", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("TTL worker removed expired game sessions", "count", deleted)
	}
}
