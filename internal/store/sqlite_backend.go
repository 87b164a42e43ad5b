package store

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const defaultSQLitePoolSize = 4

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS config (
	config_key TEXT PRIMARY KEY,
	config_value TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS outcomes (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	destination_id TEXT NOT NULL DEFAULT '',
	destination_name TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS outcomes_destination_idx ON outcomes (destination_id, created_at);
CREATE INDEX IF NOT EXISTS outcomes_created_idx ON outcomes (created_at);
CREATE INDEX IF NOT EXISTS outcomes_status_idx ON outcomes (kind, status);
`

// SQLiteBackend stores config and outcomes in a single local database
// file. Timestamps are unix milliseconds so ordering is numeric.
type SQLiteBackend struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

func NewSQLiteBackend(path string, logger *slog.Logger) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    defaultSQLitePoolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: opening %s: %w", path, err)
	}
	logger.Info("sqlite store opened", "path", path, "pool_size", defaultSQLitePoolSize)
	return &SQLiteBackend{pool: pool, path: path, logger: logger}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite backend: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
}

func (b *SQLiteBackend) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: take: %w", err)
	}
	return conn, nil
}

func (b *SQLiteBackend) GetConfig(ctx context.Context, key string) (ConfigValue, bool, error) {
	conn, err := b.take(ctx)
	if err != nil {
		return ConfigValue{}, false, err
	}
	defer b.pool.Put(conn)

	var (
		value ConfigValue
		found bool
	)
	err = sqlitex.Execute(conn, "SELECT config_value, updated_at FROM config WHERE config_key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value.Value = stmt.ColumnText(0)
			value.UpdatedAt = time.UnixMilli(stmt.ColumnInt64(1)).UTC()
			found = true
			return nil
		},
	})
	if err != nil {
		return ConfigValue{}, false, err
	}
	return value, found, nil
}

func (b *SQLiteBackend) GetConfigSimple(ctx context.Context, key string) (string, bool, error) {
	conn, err := b.take(ctx)
	if err != nil {
		return "", false, err
	}
	defer b.pool.Put(conn)

	var (
		value string
		found bool
	)
	err = sqlitex.Execute(conn, "SELECT config_value FROM config WHERE config_key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	return value, found, err
}

func (b *SQLiteBackend) ReplaceConfig(ctx context.Context, values map[string]string, remove ...string) (err error) {
	conn, err := b.take(ctx)
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite backend: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := time.Now().UnixMilli()
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if err = sqlitex.Execute(conn, `
			INSERT INTO config (config_key, config_value, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (config_key)
			DO UPDATE SET config_value = excluded.config_value, updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
			Args: []any{key, values[key], now, now},
		}); err != nil {
			return err
		}
	}
	for _, key := range remove {
		if err = sqlitex.Execute(conn, "DELETE FROM config WHERE config_key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLiteBackend) DeleteConfig(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	conn, err := b.take(ctx)
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	return sqlitex.Execute(conn, "DELETE FROM config WHERE config_key IN ("+placeholders+")", &sqlitex.ExecOptions{
		Args: args,
	})
}

func (b *SQLiteBackend) AppendOutcome(ctx context.Context, outcome Outcome) error {
	conn, err := b.take(ctx)
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO outcomes (id, kind, destination_id, destination_name, message, status, message_id, error, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			outcome.ID,
			string(outcome.Kind),
			outcome.DestinationID,
			outcome.DestinationName,
			outcome.Message,
			string(outcome.Status),
			outcome.MessageID,
			outcome.Error,
			outcome.Detail,
			outcome.CreatedAt.UnixMilli(),
		},
	})
}

func (b *SQLiteBackend) LatestDestinationName(ctx context.Context, destinationID string) (string, error) {
	conn, err := b.take(ctx)
	if err != nil {
		return "", err
	}
	defer b.pool.Put(conn)

	var name string
	err = sqlitex.Execute(conn, `
		SELECT destination_name FROM outcomes
		WHERE destination_id = ? AND destination_name <> ''
		ORDER BY created_at DESC
		LIMIT 1`, &sqlitex.ExecOptions{
		Args: []any{destinationID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			name = stmt.ColumnText(0)
			return nil
		},
	})
	return name, err
}

func (b *SQLiteBackend) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]Outcome, error) {
	conn, err := b.take(ctx)
	if err != nil {
		return nil, err
	}
	defer b.pool.Put(conn)

	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.DestinationID != "" {
		where = append(where, "destination_id = ?")
		args = append(args, filter.DestinationID)
	}
	query := "SELECT id, kind, destination_id, destination_name, message, status, message_id, error, detail, created_at FROM outcomes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	outcomes := []Outcome{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			outcomes = append(outcomes, Outcome{
				ID:              stmt.ColumnText(0),
				Kind:            OutcomeKind(stmt.ColumnText(1)),
				DestinationID:   stmt.ColumnText(2),
				DestinationName: stmt.ColumnText(3),
				Message:         stmt.ColumnText(4),
				Status:          OutcomeStatus(stmt.ColumnText(5)),
				MessageID:       stmt.ColumnText(6),
				Error:           stmt.ColumnText(7),
				Detail:          stmt.ColumnText(8),
				CreatedAt:       time.UnixMilli(stmt.ColumnInt64(9)).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (b *SQLiteBackend) OutcomeStats(ctx context.Context, since time.Time) ([]StatRow, error) {
	conn, err := b.take(ctx)
	if err != nil {
		return nil, err
	}
	defer b.pool.Put(conn)

	stats := []StatRow{}
	err = sqlitex.Execute(conn, `
		SELECT strftime('%Y-%m-%d', created_at / 1000, 'unixepoch') AS day, status, COUNT(*)
		FROM outcomes
		WHERE kind = ? AND created_at >= ?
		GROUP BY day, status
		ORDER BY day DESC, status ASC`, &sqlitex.ExecOptions{
		Args: []any{string(OutcomeSend), since.UnixMilli()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats = append(stats, StatRow{
				Day:    stmt.ColumnText(0),
				Status: OutcomeStatus(stmt.ColumnText(1)),
				Count:  stmt.ColumnInt(2),
			})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (b *SQLiteBackend) PurgeOutcomes(ctx context.Context, before time.Time) (purged int64, err error) {
	conn, err := b.take(ctx)
	if err != nil {
		return 0, err
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("sqlite backend: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(conn, "DELETE FROM outcomes WHERE created_at < ?", &sqlitex.ExecOptions{
		Args: []any{before.UnixMilli()},
	}); err != nil {
		return 0, err
	}
	return int64(conn.Changes()), nil
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	conn, err := b.take(ctx)
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

func (b *SQLiteBackend) Close() error {
	if err := b.pool.Close(); err != nil {
		b.logger.Error("sqlite store close error", "path", b.path, "error", err)
		return fmt.Errorf("sqlite backend: closing %s: %w", b.path, err)
	}
	return nil
}
