package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryBackend struct {
	mu       sync.Mutex
	now      func() time.Time
	config   map[string]ConfigValue
	outcomes []Outcome
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:    time.Now,
		config: map[string]ConfigValue{},
	}
}

func (b *MemoryBackend) GetConfig(_ context.Context, key string) (ConfigValue, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.config[key]
	return value, ok, nil
}

func (b *MemoryBackend) GetConfigSimple(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := b.GetConfig(ctx, key)
	return value.Value, ok, err
}

func (b *MemoryBackend) ReplaceConfig(_ context.Context, values map[string]string, remove ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now().UTC()
	for key, value := range values {
		b.config[key] = ConfigValue{Value: value, UpdatedAt: now}
	}
	for _, key := range remove {
		delete(b.config, key)
	}
	return nil
}

func (b *MemoryBackend) DeleteConfig(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.config, key)
	}
	return nil
}

func (b *MemoryBackend) AppendOutcome(_ context.Context, outcome Outcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = append(b.outcomes, outcome)
	return nil
}

func (b *MemoryBackend) LatestDestinationName(_ context.Context, destinationID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var (
		name   string
		latest time.Time
	)
	for _, outcome := range b.outcomes {
		if outcome.DestinationID != destinationID || outcome.DestinationName == "" {
			continue
		}
		if name == "" || !outcome.CreatedAt.Before(latest) {
			name = outcome.DestinationName
			latest = outcome.CreatedAt
		}
	}
	return name, nil
}

func (b *MemoryBackend) ListOutcomes(_ context.Context, filter OutcomeFilter) ([]Outcome, error) {
	b.mu.Lock()
	matched := make([]Outcome, 0, len(b.outcomes))
	for _, outcome := range b.outcomes {
		if filter.Kind != "" && outcome.Kind != filter.Kind {
			continue
		}
		if filter.DestinationID != "" && outcome.DestinationID != filter.DestinationID {
			continue
		}
		matched = append(matched, outcome)
	}
	b.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset >= len(matched) {
		return []Outcome{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (b *MemoryBackend) OutcomeStats(_ context.Context, since time.Time) ([]StatRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	type key struct {
		day    string
		status OutcomeStatus
	}
	counts := map[key]int{}
	for _, outcome := range b.outcomes {
		if outcome.Kind != OutcomeSend || outcome.CreatedAt.Before(since) {
			continue
		}
		counts[key{day: outcome.CreatedAt.UTC().Format("2006-01-02"), status: outcome.Status}]++
	}
	rows := make([]StatRow, 0, len(counts))
	for k, count := range counts {
		rows = append(rows, StatRow{Day: k.day, Status: k.status, Count: count})
	}
	sortStatRows(rows)
	return rows, nil
}

func (b *MemoryBackend) PurgeOutcomes(_ context.Context, before time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.outcomes[:0]
	var purged int64
	for _, outcome := range b.outcomes {
		if outcome.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, outcome)
	}
	b.outcomes = kept
	return purged, nil
}

func (b *MemoryBackend) Ping(context.Context) error { return nil }

func (b *MemoryBackend) Close() error { return nil }

// sortStatRows orders newest day first, then by status.
func sortStatRows(rows []StatRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Day != rows[j].Day {
			return rows[i].Day > rows[j].Day
		}
		return rows[i].Status < rows[j].Status
	})
}
