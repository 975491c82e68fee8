package store

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is implemented by directories that can drop abandoned entries.
type Sweeper interface {
	SweepStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StartSweeper runs a background goroutine that periodically removes entries
// older than ttl. Entries whose owners crashed while waiting would otherwise
// be claimed by hunters that then fail to connect to anyone.
//
// ttl must exceed the matchmaking host duration so that live waiters are
// never swept. The returned channel closes when the goroutine exits.
func StartSweeper(ctx context.Context, s Sweeper, interval, ttl time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Directory sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepOnce(ctx, s, ttl)
			case <-ctx.Done():
				slog.Info("Directory sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func sweepOnce(ctx context.Context, s Sweeper, ttl time.Duration) {
	deleted, err := s.SweepStale(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Directory sweep interrupted by shutdown", "error", err)
			return
		}
		slog.Error("Directory sweeper failed to remove stale entries", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Directory sweeper removed stale entries", "count", deleted)
	}
}
