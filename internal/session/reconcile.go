package session

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/agentworkforce/relaygroup/internal/clock"
	"github.com/agentworkforce/relaygroup/internal/store"
)

const (
	DefaultReconcileInterval = 5 * time.Minute
	DefaultReconcileJitter   = 0.1
)

type DestinationLoader interface {
	LoadDestination(ctx context.Context) (store.Destination, bool, error)
}

// Reconcile returns the value the cache should hold. The stored value
// always wins; changed reports whether the id or name differ.
func Reconcile(cached, stored store.Destination) (store.Destination, bool) {
	changed := cached.ID != stored.ID || cached.Name != stored.Name
	return stored, changed
}

// Reconciler periodically copies the stored destination into the cache
// so direct database edits are picked up. A failed read leaves the cache
// untouched.
type Reconciler struct {
	Loader   DestinationLoader
	Ref      *DestinationRef
	Interval time.Duration
	Jitter   float64
	Clock    clock.Clock
	Logger   *slog.Logger
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Tick runs one reconciliation.
func (r *Reconciler) Tick(ctx context.Context) (bool, error) {
	stored, _, err := r.Loader.LoadDestination(ctx)
	if err != nil {
		r.logger().Warn("destination reconcile skipped, store unreachable", "error", err)
		return false, err
	}
	cached, _ := r.Ref.Get()
	next, changed := Reconcile(cached, stored)
	if changed {
		r.Ref.Set(next)
		r.logger().Info("destination cache updated from store",
			"previous_id", cached.ID,
			"destination_id", next.ID,
			"destination_name", next.Name,
		)
	}
	return changed, nil
}

// Run reconciles until ctx is done. The first tick happens after one
// interval; callers load the cache at startup with Tick.
func (r *Reconciler) Run(ctx context.Context) {
	clk := r.Clock
	if clk == nil {
		clk = clock.Real()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(r.nextDelay()):
			_, _ = r.Tick(ctx)
		}
	}
}

func (r *Reconciler) nextDelay() time.Duration {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	jitter := r.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter == 0 {
		return interval
	}
	return interval + time.Duration(rand.Float64()*jitter*float64(interval))
}
