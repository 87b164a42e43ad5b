package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postgresIntegrationCounter uint64

// exerciseBackend runs the behaviour every Backend must share.
func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, backend.Ping(ctx))

	_, found, err := backend.GetConfig(ctx, KeyDestinationID)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, backend.ReplaceConfig(ctx, map[string]string{KeyDestinationID: "g1", KeyDestinationName: "Lobby"}))
	require.NoError(t, backend.ReplaceConfig(ctx, map[string]string{KeyDestinationID: "g2"}, KeyDestinationName))
	_, found, err = backend.GetConfigSimple(ctx, KeyDestinationName)
	require.NoError(t, err)
	assert.False(t, found, "remove runs in the same call as the upsert")
	require.NoError(t, backend.ReplaceConfig(ctx, map[string]string{KeyDestinationName: "Ops"}))

	value, found, err := backend.GetConfig(ctx, KeyDestinationID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "g2", value.Value)
	assert.False(t, value.UpdatedAt.IsZero())

	name, found, err := backend.GetConfigSimple(ctx, KeyDestinationName)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Ops", name)

	require.NoError(t, backend.DeleteConfig(ctx, KeyDestinationID, KeyDestinationName))
	_, found, err = backend.GetConfigSimple(ctx, KeyDestinationID)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = backend.GetConfigSimple(ctx, KeyDestinationName)
	require.NoError(t, err)
	assert.False(t, found)

	now := time.Now().UTC().Truncate(time.Millisecond)
	entries := []Outcome{
		{ID: "o1", Kind: OutcomeSend, Status: StatusSent, DestinationID: "g1", DestinationName: "Old", Message: "a", CreatedAt: now.Add(-3 * time.Minute)},
		{ID: "o2", Kind: OutcomeSend, Status: StatusFailed, DestinationID: "g1", DestinationName: "New", Message: "b", Error: "boom", CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "o3", Kind: OutcomeConnection, Status: StatusConnected, CreatedAt: now.Add(-time.Minute)},
		{ID: "o4", Kind: OutcomeSend, Status: StatusSent, DestinationID: "g1", Message: "c", CreatedAt: now.Add(-40 * 24 * time.Hour)},
	}
	for _, entry := range entries {
		require.NoError(t, backend.AppendOutcome(ctx, entry))
	}

	latest, err := backend.LatestDestinationName(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "New", latest)

	sends, err := backend.ListOutcomes(ctx, OutcomeFilter{Kind: OutcomeSend, Limit: 2})
	require.NoError(t, err)
	require.Len(t, sends, 2)
	assert.Equal(t, "o2", sends[0].ID)
	assert.Equal(t, "boom", sends[0].Error)
	assert.Equal(t, "o1", sends[1].ID)

	paged, err := backend.ListOutcomes(ctx, OutcomeFilter{Kind: OutcomeSend, Offset: 2})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "o4", paged[0].ID)

	stats, err := backend.OutcomeStats(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	total := 0
	for _, row := range stats {
		total += row.Count
	}
	assert.Equal(t, 2, total)

	purged, err := backend.PurgeOutcomes(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestSQLiteBackend(t *testing.T) {
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "relaygroup.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	exerciseBackend(t, backend)
}

func TestSQLiteBackendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaygroup.db")
	ctx := context.Background()

	first, err := NewSQLiteBackend(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, New(Options{Backend: first, Logger: testLogger()}).SetDestination(ctx, "g1", "Ops"))
	require.NoError(t, first.Close())

	second, err := NewSQLiteBackend(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	dest, found := New(Options{Backend: second, Logger: testLogger()}).GetDestination(ctx)
	require.True(t, found)
	assert.Equal(t, "g1", dest.ID)
	assert.Equal(t, "Ops", dest.Name)
}

func TestBuildBackendFromDSN(t *testing.T) {
	backend, err := BuildBackendFromDSN("memory://", testLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, backend)

	backend, err = BuildBackendFromDSN("", testLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, backend)

	backend, err = BuildBackendFromDSN("postgres://localhost/relaygroup?sslmode=disable", testLogger())
	require.NoError(t, err)
	assert.IsType(t, &PostgresBackend{}, backend)

	backend, err = BuildBackendFromDSN("sqlite://"+filepath.Join(t.TempDir(), "dsn.db"), testLogger())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteBackend{}, backend)
	require.NoError(t, backend.Close())

	_, err = BuildBackendFromDSN("mysql://localhost/relaygroup", testLogger())
	require.ErrorIs(t, err, ErrNotImplemented)

	_, err = BuildBackendFromDSN("redis://localhost", testLogger())
	require.Error(t, err)
}

func TestRegisterBackendFactory(t *testing.T) {
	scheme := "storetestcustom"
	custom := NewMemoryBackend()
	RegisterBackendFactory(scheme, func(dsn string) (Backend, error) {
		return custom, nil
	})
	backend, err := BuildBackendFromDSN(scheme+"://example", testLogger())
	require.NoError(t, err)
	assert.Same(t, custom, backend)
}

func TestPostgresBackendRetriesInitAfterFailure(t *testing.T) {
	backend, err := NewPostgresBackend("postgres://localhost/relaygroup")
	require.NoError(t, err)
	calls := 0
	backend.openDB = func(driverName, dsn string) (*sql.DB, error) {
		calls++
		return nil, errBackendDown
	}

	require.ErrorIs(t, backend.Ping(context.Background()), errBackendDown)
	require.ErrorIs(t, backend.Ping(context.Background()), errBackendDown)
	assert.Equal(t, 2, calls)
}

func TestPostgresIntegrationBackend(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	backend, err := NewPostgresBackend(dsn)
	require.NoError(t, err)
	backend.configTable = postgresIntegrationTableName("relaygroup_config_it")
	backend.outcomeTable = postgresIntegrationTableName("relaygroup_outcomes_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.configTable)
		postgresIntegrationDropTable(t, dsn, backend.outcomeTable)
	})
	exerciseBackend(t, backend)
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYGROUP_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYGROUP_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName)))
	require.NoError(t, err)
}
