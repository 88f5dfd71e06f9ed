package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/oakmund/strider/internal/oauth"
	"github.com/oakmund/strider/internal/ratelimit"
)

const (
	sweepInterval = 5 * time.Minute
	// sweepMaxIdle is how long a rate window may sit unused before eviction.
	sweepMaxIdle = 10 * time.Minute
)

// RateLimitSweeper periodically evicts idle rate-limit windows so one-off
// keys do not accumulate forever.
type RateLimitSweeper struct {
	registry *ratelimit.Registry
}

// NewRateLimitSweeper creates a RateLimitSweeper over registry.
func NewRateLimitSweeper(registry *ratelimit.Registry) *RateLimitSweeper {
	return &RateLimitSweeper{registry: registry}
}

// Run sweeps until ctx is cancelled.
func (w *RateLimitSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted := w.registry.EvictStale(time.Now().Add(-sweepMaxIdle))
			if evicted > 0 {
				slog.Debug("rate limit windows evicted",
					"evicted", evicted, "remaining", w.registry.Len())
			}
		case <-ctx.Done():
			return nil
		}
	}
}

const refreshInterval = 30 * time.Minute

// TokenRefresher proactively refreshes stored OAuth tokens so callers
// rarely pay the refresh latency inline. Refresh-on-demand alone is correct;
// this just keeps the cache warm.
type TokenRefresher struct {
	manager *oauth.Manager
}

// NewTokenRefresher creates a TokenRefresher over manager.
func NewTokenRefresher(manager *oauth.Manager) *TokenRefresher {
	return &TokenRefresher{manager: manager}
}

// Run refreshes all stored users every interval until ctx is cancelled.
// Per-user errors are logged inside RefreshAll and never stop the loop.
func (w *TokenRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.manager.RefreshAll(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "token refresh sweep failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
