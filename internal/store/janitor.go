package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentworkforce/relaygroup/internal/clock"
)

const (
	DefaultPurgeInterval = 6 * time.Hour
	DefaultPurgeHorizon  = 30 * 24 * time.Hour
)

// Janitor purges old outcome entries on a fixed interval.
type Janitor struct {
	Store    *Store
	Interval time.Duration
	Horizon  time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Run purges once immediately and then every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	clk := j.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	j.PurgeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.PurgeOnce(ctx)
		}
	}
}

func (j *Janitor) PurgeOnce(ctx context.Context) int64 {
	horizon := j.Horizon
	if horizon <= 0 {
		horizon = DefaultPurgeHorizon
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	purged, err := j.Store.Purge(ctx, horizon)
	if err != nil {
		logger.Warn("outcome purge failed", "error", err)
		return 0
	}
	if purged > 0 {
		logger.Info("outcome log purged", "removed", purged, "horizon", horizon)
	}
	return purged
}
