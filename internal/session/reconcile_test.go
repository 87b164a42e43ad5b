package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaygroup/internal/clock"
	"github.com/agentworkforce/relaygroup/internal/store"
)

type stubLoader struct {
	mu    sync.Mutex
	dest  store.Destination
	err   error
	calls int
}

func (l *stubLoader) LoadDestination(context.Context) (store.Destination, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return store.Destination{}, false, l.err
	}
	return l.dest, l.dest.Configured(), nil
}

func (l *stubLoader) set(dest store.Destination, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dest = dest
	l.err = err
}

func (l *stubLoader) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReconcileStoreWins(t *testing.T) {
	cached := store.Destination{ID: "g1", Name: "Old"}

	next, changed := Reconcile(cached, store.Destination{ID: "g2", Name: "New"})
	assert.True(t, changed)
	assert.Equal(t, "g2", next.ID)

	next, changed = Reconcile(cached, store.Destination{ID: "g1", Name: "Renamed"})
	assert.True(t, changed)
	assert.Equal(t, "Renamed", next.Name)

	next, changed = Reconcile(cached, store.Destination{})
	assert.True(t, changed)
	assert.False(t, next.Configured())

	_, changed = Reconcile(cached, cached)
	assert.False(t, changed)
}

func TestReconcilerTickSkipsOnStoreFailure(t *testing.T) {
	ref := &DestinationRef{}
	ref.Set(store.Destination{ID: "g1", Name: "Ops"})
	loader := &stubLoader{}
	loader.set(store.Destination{}, errors.New("db down"))
	r := &Reconciler{Loader: loader, Ref: ref, Logger: discardLogger()}

	changed, err := r.Tick(context.Background())
	require.Error(t, err)
	assert.False(t, changed)
	dest, ok := ref.Get()
	require.True(t, ok)
	assert.Equal(t, "g1", dest.ID)
}

func TestReconcilerTickPicksUpExternalEdit(t *testing.T) {
	ref := &DestinationRef{}
	ref.Set(store.Destination{ID: "g1"})
	loader := &stubLoader{}
	loader.set(store.Destination{ID: "g9", Name: "Edited"}, nil)
	r := &Reconciler{Loader: loader, Ref: ref, Logger: discardLogger()}

	changed, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	dest, _ := ref.Get()
	assert.Equal(t, "g9", dest.ID)
}

func TestReconcilerRunTicksOnInterval(t *testing.T) {
	fake := clock.Fake(epoch)
	ref := &DestinationRef{}
	loader := &stubLoader{}
	loader.set(store.Destination{ID: "g1"}, nil)
	r := &Reconciler{Loader: loader, Ref: ref, Interval: time.Minute, Clock: fake, Logger: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	fake.WaitForTimers(1)
	assert.Zero(t, loader.callCount())
	fake.Advance(time.Minute)
	require.Eventually(t, func() bool {
		_, ok := ref.Get()
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, loader.callCount())

	cancel()
	<-done
}

func TestReconcilerDelayStaysWithinJitter(t *testing.T) {
	r := &Reconciler{Interval: time.Minute, Jitter: 0.1}
	for i := 0; i < 50; i++ {
		delay := r.nextDelay()
		assert.GreaterOrEqual(t, delay, time.Minute)
		assert.LessOrEqual(t, delay, time.Minute+6*time.Second)
	}
}
