// Package store persists the destination configuration and the outcome
// log. Store wraps a Backend with the retry, fallback and verification
// rules callers depend on.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaygroup/internal/clock"
)

const (
	defaultWriteAttempts   = 3
	defaultWriteRetryDelay = 100 * time.Millisecond
	DefaultHistoryLimit    = 50
	MaxHistoryLimit        = 500
	DefaultStatsWindow     = 30 * 24 * time.Hour
)

type Options struct {
	Backend         Backend
	Logger          *slog.Logger
	Clock           clock.Clock
	WriteAttempts   int
	WriteRetryDelay time.Duration
}

type Store struct {
	backend         Backend
	logger          *slog.Logger
	clock           clock.Clock
	writeAttempts   int
	writeRetryDelay time.Duration
}

func New(opts Options) *Store {
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.WriteAttempts <= 0 {
		opts.WriteAttempts = defaultWriteAttempts
	}
	if opts.WriteRetryDelay <= 0 {
		opts.WriteRetryDelay = defaultWriteRetryDelay
	}
	return &Store{
		backend:         opts.Backend,
		logger:          opts.Logger,
		clock:           opts.Clock,
		writeAttempts:   opts.WriteAttempts,
		writeRetryDelay: opts.WriteRetryDelay,
	}
}

// Open builds the backend named by dsn and wraps it.
func Open(dsn string, opts Options) (*Store, error) {
	backend, err := BuildBackendFromDSN(dsn, opts.Logger)
	if err != nil {
		return nil, err
	}
	opts.Backend = backend
	return New(opts), nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// SetDestination upserts the destination. The id and name are written
// together, so a previous destination's name never pairs with the new id.
func (s *Store) SetDestination(ctx context.Context, id, name string) error {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" {
		return fmt.Errorf("%w: destination id is required", ErrInvalidInput)
	}

	values := map[string]string{KeyDestinationID: id}
	var remove []string
	if name == "" {
		remove = append(remove, KeyDestinationName)
	} else {
		values[KeyDestinationName] = name
	}
	if err := s.retryWrite(ctx, "save destination", func(ctx context.Context) error {
		return s.backend.ReplaceConfig(ctx, values, remove...)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	stored, found, err := s.LoadDestination(ctx)
	switch {
	case err != nil:
		s.logger.Warn("destination read-back failed", "destination_id", id, "error", err)
	case !found || stored.ID != id:
		s.logger.Warn("destination read-back mismatch", "expected", id, "stored", stored.ID)
	default:
		s.logger.Info("destination saved", "destination_id", id, "destination_name", stored.Name)
	}
	return nil
}

// LoadDestination reads the destination with the primary query and
// returns its error. The reconciler uses it so a failed read is never
// mistaken for "unconfigured".
func (s *Store) LoadDestination(ctx context.Context) (Destination, bool, error) {
	value, found, err := s.backend.GetConfig(ctx, KeyDestinationID)
	if err != nil {
		return Destination{}, false, err
	}
	if !found || value.Value == "" {
		return Destination{}, false, nil
	}
	dest := Destination{ID: value.Value, ConfiguredAt: value.UpdatedAt}
	dest.Name = s.lookupName(ctx, dest.ID)
	return dest, true, nil
}

// GetDestination never fails. It degrades from the primary query to the
// simple query and finally to "unconfigured".
func (s *Store) GetDestination(ctx context.Context) (Destination, bool) {
	dest, found, err := s.LoadDestination(ctx)
	if err == nil {
		return dest, found
	}
	s.logger.Warn("primary destination query failed, trying fallback", "error", err)

	id, found, err := s.backend.GetConfigSimple(ctx, KeyDestinationID)
	if err != nil {
		s.logger.Error("fallback destination query failed", "error", err)
		return Destination{}, false
	}
	if !found || id == "" {
		return Destination{}, false
	}
	return Destination{ID: id, Name: s.lookupName(ctx, id)}, true
}

func (s *Store) lookupName(ctx context.Context, id string) string {
	name, found, err := s.backend.GetConfigSimple(ctx, KeyDestinationName)
	if err != nil {
		s.logger.Warn("destination name query failed", "destination_id", id, "error", err)
	}
	if found && name != "" {
		return name
	}
	name, err = s.backend.LatestDestinationName(ctx, id)
	if err != nil {
		s.logger.Warn("destination name lookup from outcome log failed", "destination_id", id, "error", err)
		return ""
	}
	return name
}

// ClearDestination removes id and name together.
func (s *Store) ClearDestination(ctx context.Context) error {
	err := s.retryWrite(ctx, "clear destination", func(ctx context.Context) error {
		return s.backend.DeleteConfig(ctx, KeyDestinationID, KeyDestinationName)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.logger.Info("destination cleared")
	return nil
}

func (s *Store) RecordOutcome(ctx context.Context, outcome Outcome) error {
	if outcome.Kind == "" || outcome.Status == "" {
		return fmt.Errorf("%w: outcome kind and status are required", ErrInvalidInput)
	}
	if outcome.ID == "" {
		outcome.ID = uuid.NewString()
	}
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = s.clock.Now()
	}
	outcome.CreatedAt = outcome.CreatedAt.UTC()
	return s.backend.AppendOutcome(ctx, outcome)
}

// History lists send outcomes newest first.
func (s *Store) History(ctx context.Context, limit, offset int) ([]Outcome, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.backend.ListOutcomes(ctx, OutcomeFilter{Kind: OutcomeSend, Limit: limit, Offset: offset})
}

// Stats counts send outcomes per status per day over the window ending now.
func (s *Store) Stats(ctx context.Context, window time.Duration) ([]StatRow, error) {
	if window <= 0 {
		window = DefaultStatsWindow
	}
	return s.backend.OutcomeStats(ctx, s.clock.Now().Add(-window))
}

// LastConnection returns the most recent connection transition.
func (s *Store) LastConnection(ctx context.Context) (Outcome, bool, error) {
	outcomes, err := s.backend.ListOutcomes(ctx, OutcomeFilter{Kind: OutcomeConnection, Limit: 1})
	if err != nil {
		return Outcome{}, false, err
	}
	if len(outcomes) == 0 {
		return Outcome{}, false, nil
	}
	return outcomes[0], true, nil
}

// Purge removes outcomes older than horizon.
func (s *Store) Purge(ctx context.Context, horizon time.Duration) (int64, error) {
	if horizon <= 0 {
		return 0, fmt.Errorf("%w: purge horizon must be positive", ErrInvalidInput)
	}
	return s.backend.PurgeOutcomes(ctx, s.clock.Now().Add(-horizon))
}

func (s *Store) Health(ctx context.Context) Health {
	if err := s.backend.Ping(ctx); err != nil {
		return Health{Healthy: false, Error: err.Error()}
	}
	return Health{Healthy: true}
}

func (s *Store) retryWrite(ctx context.Context, op string, write func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.writeAttempts; attempt++ {
		if err = write(ctx); err == nil {
			return nil
		}
		s.logger.Warn("store write failed", "op", op, "attempt", attempt, "max_attempts", s.writeAttempts, "error", err)
		if attempt == s.writeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-s.clock.After(s.writeRetryDelay):
		}
	}
	return err
}
