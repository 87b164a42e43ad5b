package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultRecorderCapacity = 256
	recorderWriteTimeout    = 5 * time.Second
)

// Recorder writes outcomes asynchronously so callers on the connection
// path never block on the database.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	queue  chan Outcome

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewRecorder(store *Store, capacity int, logger *slog.Logger) *Recorder {
	if capacity <= 0 {
		capacity = defaultRecorderCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan Outcome, capacity),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues an outcome. It reports false when the queue is full or
// the recorder is closed; the entry is dropped in that case.
func (r *Recorder) Record(outcome Outcome) bool {
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = r.store.clock.Now()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- outcome:
		return true
	default:
		r.logger.Warn("outcome queue full, dropping entry", "kind", outcome.Kind, "status", outcome.Status)
		return false
	}
}

func (r *Recorder) Depth() int {
	return len(r.queue)
}

// Close stops accepting entries and drains what is queued.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for outcome := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
		if err := r.store.RecordOutcome(ctx, outcome); err != nil {
			r.logger.Warn("outcome not recorded", "kind", outcome.Kind, "status", outcome.Status, "error", err)
		}
		cancel()
	}
}
