package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id             TEXT PRIMARY KEY,
	caller_id      TEXT NOT NULL,
	project_id     TEXT,
	language       TEXT NOT NULL,
	code           TEXT NOT NULL,
	code_hash      TEXT NOT NULL,
	status         TEXT NOT NULL,
	stdout         TEXT NOT NULL DEFAULT '',
	stderr         TEXT NOT NULL DEFAULT '',
	exit_code      INTEGER,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	memory_used_mb BIGINT NOT NULL DEFAULT 0,
	timed_out      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL,
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS executions_caller_created_idx ON executions (caller_id, created_at DESC);
CREATE INDEX IF NOT EXISTS executions_status_idx ON executions (status);`

// DB is the PostgreSQL execution record store.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool and ensures the schema exists.
func New(ctx context.Context, dsn string, maxConns int32, connLifetime time.Duration) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if maxConns < 1 {
		maxConns = 25
	}
	if connLifetime <= 0 {
		connLifetime = 5 * time.Minute
	}
	config.MaxConns = maxConns
	config.MinConns = 2
	config.MaxConnLifetime = connLifetime
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// Create inserts a new queued execution.
func (db *DB) Create(ctx context.Context, exec *Execution) error {
	if err := validateCreate(exec); err != nil {
		return err
	}

	query := `
		INSERT INTO executions (id, caller_id, project_id, language, code, code_hash,
			status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.CallerID, exec.ProjectID, exec.Language,
		exec.Code, exec.CodeHash, string(exec.Status), exec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicate, exec.ID)
		}
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// Update applies a forward status transition.
func (db *DB) Update(ctx context.Context, id string, u Update) error {
	if err := validateUpdate(u); err != nil {
		return err
	}
	allowed := statusStrings(predecessors(u.Status))

	var (
		tag pgconn.CommandTag
		err error
	)
	if u.Outcome == nil {
		tag, err = db.pool.Exec(ctx, `
			UPDATE executions
			SET status = $2, started_at = COALESCE($3, started_at)
			WHERE id = $1 AND status = ANY($4)`,
			id, string(u.Status), u.StartedAt, allowed,
		)
	} else {
		o := u.Outcome
		tag, err = db.pool.Exec(ctx, `
			UPDATE executions
			SET status = $2, stdout = $3, stderr = $4, exit_code = $5,
				duration_ms = $6, memory_used_mb = $7, timed_out = $8,
				completed_at = $9, started_at = COALESCE($10, started_at)
			WHERE id = $1 AND status = ANY($11)`,
			id, string(u.Status), o.Stdout, o.Stderr, o.ExitCode,
			o.DurationMS, o.MemoryUsedMB, o.TimedOut,
			o.CompletedAt, u.StartedAt, allowed,
		)
	}
	if err != nil {
		return fmt.Errorf("updating execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = db.pool.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("reading status of %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, u.Status)
}

// FindByID retrieves a single execution by ID.
func (db *DB) FindByID(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, caller_id, project_id, language, code, code_hash, status,
			stdout, stderr, exit_code, duration_ms, memory_used_mb, timed_out,
			created_at, started_at, completed_at
		FROM executions WHERE id = $1`

	var exec Execution
	var status string
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.CallerID, &exec.ProjectID, &exec.Language,
		&exec.Code, &exec.CodeHash, &status,
		&exec.Stdout, &exec.Stderr, &exec.ExitCode,
		&exec.DurationMS, &exec.MemoryUsedMB, &exec.TimedOut,
		&exec.CreatedAt, &exec.StartedAt, &exec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	exec.Status = Status(status)
	return &exec, nil
}

// List queries executions with optional filters, newest first. Code and
// output are omitted from list rows.
func (db *DB) List(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, caller_id, project_id, language, code_hash, status, exit_code,
			duration_ms, memory_used_mb, timed_out, created_at, started_at, completed_at
		FROM executions
		WHERE ($1 = '' OR caller_id = $1)
		  AND ($2 = '' OR language = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := db.pool.Query(ctx, query,
		filter.CallerID, filter.Language, filter.Status, filter.limit(), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		var status string
		if err := rows.Scan(
			&exec.ID, &exec.CallerID, &exec.ProjectID, &exec.Language,
			&exec.CodeHash, &status, &exec.ExitCode,
			&exec.DurationMS, &exec.MemoryUsedMB, &exec.TimedOut,
			&exec.CreatedAt, &exec.StartedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		exec.Status = Status(status)
		results = append(results, exec)
	}

	return results, rows.Err()
}
