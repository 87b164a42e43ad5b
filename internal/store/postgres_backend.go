package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresConfigTableName  = "relaygroup_config"
	postgresOutcomeTableName = "relaygroup_outcomes"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend connects lazily. A failed initialisation is retried on
// the next call instead of being cached, so a database that comes up late
// is picked up without restarting the process.
type PostgresBackend struct {
	dsn          string
	configTable  string
	outcomeTable string
	openDB       sqlOpenFunc

	mu sync.Mutex
	db *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:          dsn,
		configTable:  postgresConfigTableName,
		outcomeTable: postgresOutcomeTableName,
		openDB:       sql.Open,
	}, nil
}

func (b *PostgresBackend) GetConfig(ctx context.Context, key string) (ConfigValue, bool, error) {
	db, err := b.ensureReady(ctx)
	if err != nil {
		return ConfigValue{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT config_value, updated_at FROM %s WHERE config_key = $1", postgresQuoteIdentifier(b.configTable))
	var value ConfigValue
	err = db.QueryRowContext(ctx, query, key).Scan(&value.Value, &value.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ConfigValue{}, false, nil
	}
	if err != nil {
		return ConfigValue{}, false, err
	}
	value.UpdatedAt = value.UpdatedAt.UTC()
	return value, true, nil
}

func (b *PostgresBackend) GetConfigSimple(ctx context.Context, key string) (string, bool, error) {
	db, err := b.ensureReady(ctx)
	if err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT config_value FROM %s WHERE config_key = $1", postgresQuoteIdentifier(b.configTable))
	var value string
	err = db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (b *PostgresBackend) ReplaceConfig(ctx context.Context, values map[string]string, remove ...string) error {
	db, err := b.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	upsert := fmt.Sprintf(`
		INSERT INTO %s (config_key, config_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = EXCLUDED.config_value, updated_at = NOW()`, postgresQuoteIdentifier(b.configTable))
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if _, err := tx.ExecContext(ctx, upsert, key, values[key]); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		query := fmt.Sprintf("DELETE FROM %s WHERE config_key = ANY($1)", postgresQuoteIdentifier(b.configTable))
		if _, err := tx.ExecContext(ctx, query, pq.Array(remove)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *PostgresBackend) DeleteConfig(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	db, err := b.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE config_key = ANY($1)", postgresQuoteIdentifier(b.configTable))
	_, err = db.ExecContext(ctx, query, pq.Array(keys))
	return err
}

func (b *PostgresBackend) AppendOutcome(ctx context.Context, outcome Outcome) error {
	db, err := b.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, kind, destination_id, destination_name, message, status, message_id, error, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, postgresQuoteIdentifier(b.outcomeTable))
	_, err = db.ExecContext(ctx, query,
		outcome.ID,
		string(outcome.Kind),
		outcome.DestinationID,
		outcome.DestinationName,
		outcome.Message,
		string(outcome.Status),
		outcome.MessageID,
		outcome.Error,
		outcome.Detail,
		outcome.CreatedAt.UTC(),
	)
	return err
}

func (b *PostgresBackend) LatestDestinationName(ctx context.Context, destinationID string) (string, error) {
	db, err := b.ensureReady(ctx)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT destination_name FROM %s
		WHERE destination_id = $1 AND destination_name <> ''
		ORDER BY created_at DESC
		LIMIT 1`, postgresQuoteIdentifier(b.outcomeTable))
	var name string
	err = db.QueryRowContext(ctx, query, destinationID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return name, err
}

func (b *PostgresBackend) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]Outcome, error) {
	db, err := b.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.DestinationID != "" {
		args = append(args, filter.DestinationID)
		where = append(where, fmt.Sprintf("destination_id = $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT id, kind, destination_id, destination_name, message, status, message_id, error, detail, created_at FROM %s`,
		postgresQuoteIdentifier(b.outcomeTable))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	outcomes := []Outcome{}
	for rows.Next() {
		var (
			outcome Outcome
			kind    string
			status  string
		)
		if err := rows.Scan(
			&outcome.ID,
			&kind,
			&outcome.DestinationID,
			&outcome.DestinationName,
			&outcome.Message,
			&status,
			&outcome.MessageID,
			&outcome.Error,
			&outcome.Detail,
			&outcome.CreatedAt,
		); err != nil {
			return nil, err
		}
		outcome.Kind = OutcomeKind(kind)
		outcome.Status = OutcomeStatus(status)
		outcome.CreatedAt = outcome.CreatedAt.UTC()
		outcomes = append(outcomes, outcome)
	}
	return outcomes, rows.Err()
}

func (b *PostgresBackend) OutcomeStats(ctx context.Context, since time.Time) ([]StatRow, error) {
	db, err := b.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, status, COUNT(*)
		FROM %s
		WHERE kind = $1 AND created_at >= $2
		GROUP BY day, status
		ORDER BY day DESC, status ASC`, postgresQuoteIdentifier(b.outcomeTable))
	rows, err := db.QueryContext(ctx, query, string(OutcomeSend), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []StatRow{}
	for rows.Next() {
		var (
			row    StatRow
			status string
		)
		if err := rows.Scan(&row.Day, &status, &row.Count); err != nil {
			return nil, err
		}
		row.Status = OutcomeStatus(status)
		stats = append(stats, row)
	}
	return stats, rows.Err()
}

func (b *PostgresBackend) PurgeOutcomes(ctx context.Context, before time.Time) (int64, error) {
	db, err := b.ensureReady(ctx)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE created_at < $1", postgresQuoteIdentifier(b.outcomeTable))
	result, err := db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	db, err := b.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var one int
	return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (b *PostgresBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *PostgresBackend) ensureReady(ctx context.Context) (*sql.DB, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}

	db, err := b.openDB("postgres", b.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				config_key TEXT PRIMARY KEY,
				config_value TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.configTable)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				destination_id TEXT NOT NULL DEFAULT '',
				destination_name TEXT NOT NULL DEFAULT '',
				message TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				message_id TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				detail TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.outcomeTable)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (destination_id, created_at)",
			postgresQuoteIdentifier(b.outcomeTable+"_destination_idx"), postgresQuoteIdentifier(b.outcomeTable)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (created_at)",
			postgresQuoteIdentifier(b.outcomeTable+"_created_idx"), postgresQuoteIdentifier(b.outcomeTable)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (kind, status)",
			postgresQuoteIdentifier(b.outcomeTable+"_status_idx"), postgresQuoteIdentifier(b.outcomeTable)),
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	b.db = db
	return db, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
