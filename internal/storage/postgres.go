package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/config"
)

var ErrNotFound = errors.New("execution not found")

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id             TEXT PRIMARY KEY,
	identity_hash  TEXT NOT NULL,
	policy         TEXT NOT NULL,
	code_hash      TEXT NOT NULL,
	classification TEXT NOT NULL,
	status         TEXT NOT NULL,
	output         TEXT NOT NULL DEFAULT '',
	exit_code      INTEGER NOT NULL DEFAULT 0,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	backend        TEXT NOT NULL DEFAULT '',
	violations     INTEGER NOT NULL DEFAULT 0,
	probes         INTEGER NOT NULL DEFAULT 0,
	request_ip     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_created_at_idx ON executions (created_at DESC);
CREATE INDEX IF NOT EXISTS executions_identity_idx ON executions (identity_hash, created_at DESC);

CREATE TABLE IF NOT EXISTS violation_events (
	id            TEXT PRIMARY KEY,
	execution_id  TEXT NOT NULL REFERENCES executions (id) ON DELETE CASCADE,
	identity_hash TEXT NOT NULL,
	category      TEXT NOT NULL,
	symbol        TEXT NOT NULL DEFAULT '',
	line          INTEGER NOT NULL DEFAULT 0,
	message       TEXT NOT NULL,
	blocked_until TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS violation_events_execution_idx ON violation_events (execution_id);`

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		pc.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// EnsureSchema creates the audit tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating audit schema: %w", err)
	}
	return nil
}

func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution and its violation events in one
// transaction. Re-inserting the same execution is a no-op.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO executions (id, identity_hash, policy, code_hash, classification,
			status, output, exit_code, duration_ms, backend, violations, probes,
			request_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		exec.ID, exec.IdentityHash, exec.Policy, exec.CodeHash, exec.Classification,
		exec.Status, truncateForDB(exec.Output, 65535), exec.ExitCode, exec.DurationMS,
		exec.Backend, exec.Violations, exec.Probes, exec.RequestIP, exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	for i := range exec.ViolationEvents {
		ev := &exec.ViolationEvents[i]
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = exec.CreatedAt
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO violation_events (id, execution_id, identity_hash, category,
				symbol, line, message, blocked_until, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			ev.ID, exec.ID, exec.IdentityHash, ev.Category, ev.Symbol, ev.Line,
			ev.Message, ev.BlockedUntil, ev.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting violation event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing audit transaction: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution with its violation events.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var exec Execution
	err := db.pool.QueryRow(ctx, `
		SELECT id, identity_hash, policy, code_hash, classification, status, output,
			exit_code, duration_ms, backend, violations, probes, request_ip, created_at
		FROM executions WHERE id = $1`, id).Scan(
		&exec.ID, &exec.IdentityHash, &exec.Policy, &exec.CodeHash, &exec.Classification,
		&exec.Status, &exec.Output, &exec.ExitCode, &exec.DurationMS, &exec.Backend,
		&exec.Violations, &exec.Probes, &exec.RequestIP, &exec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT id, execution_id, identity_hash, category, symbol, line, message,
			blocked_until, created_at
		FROM violation_events WHERE execution_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("querying violation events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev ViolationEvent
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.IdentityHash, &ev.Category,
			&ev.Symbol, &ev.Line, &ev.Message, &ev.BlockedUntil, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning violation event: %w", err)
		}
		exec.ViolationEvents = append(exec.ViolationEvents, ev)
	}
	return &exec, rows.Err()
}

// ListExecutions returns executions newest first. Output is not included.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, identity_hash, policy, code_hash, classification, status,
			exit_code, duration_ms, backend, violations, probes, created_at
		FROM executions
		WHERE ($1 = '' OR classification = $1)
		  AND ($2 = '' OR identity_hash = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Classification, filter.IdentityHash, filter.Since, limit, max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.IdentityHash, &exec.Policy, &exec.CodeHash,
			&exec.Classification, &exec.Status, &exec.ExitCode, &exec.DurationMS,
			&exec.Backend, &exec.Violations, &exec.Probes, &exec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
