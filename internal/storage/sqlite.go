package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{`
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
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	memory_used_mb INTEGER NOT NULL DEFAULT 0,
	timed_out      INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	started_at     INTEGER,
	completed_at   INTEGER
)`,
	`CREATE INDEX IF NOT EXISTS executions_caller_created_idx ON executions (caller_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS executions_status_idx ON executions (status)`,
}

// dialect holds what differs between the database/sql backends.
type dialect struct {
	name        string
	schema      []string
	isDuplicate func(error) bool
}

var sqliteDialect = dialect{
	name:   "sqlite",
	schema: sqliteSchema,
	isDuplicate: func(err error) bool {
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// SQLStore is the database/sql execution record store used for SQLite and
// MySQL. Timestamps are kept as unix milliseconds.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens or creates a SQLite database and applies the schema.
// A DSN of ":memory:" yields a private in-memory database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	if path := sqlitePath(dsn); path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	s, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		return nil, err
	}
	log.Info().Str("dsn", dsn).Msg("opened SQLite store")
	return s, nil
}

// newSQLStore applies the dialect's schema one statement at a time and
// closes db on failure.
func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s schema: %w", d.name, err)
		}
	}
	return &SQLStore{db: db, dialect: d}, nil
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Healthy checks database connectivity.
func (s *SQLStore) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// Create inserts a new queued execution.
func (s *SQLStore) Create(ctx context.Context, exec *Execution) error {
	if err := validateCreate(exec); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, caller_id, project_id, language, code, code_hash,
			status, stdout, stderr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?)`,
		exec.ID, exec.CallerID, exec.ProjectID, exec.Language,
		exec.Code, exec.CodeHash, string(exec.Status), exec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, exec.ID)
		}
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// Update applies a forward status transition.
func (s *SQLStore) Update(ctx context.Context, id string, u Update) error {
	if err := validateUpdate(u); err != nil {
		return err
	}

	allowed := statusStrings(predecessors(u.Status))
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(allowed)), ",")

	var (
		query string
		args  []any
	)
	if u.Outcome == nil {
		query = `UPDATE executions SET status = ?, started_at = COALESCE(?, started_at)`
		args = []any{string(u.Status), unixMilliPtr(u.StartedAt)}
	} else {
		o := u.Outcome
		query = `UPDATE executions SET status = ?, stdout = ?, stderr = ?, exit_code = ?,
			duration_ms = ?, memory_used_mb = ?, timed_out = ?, completed_at = ?,
			started_at = COALESCE(?, started_at)`
		args = []any{
			string(u.Status), o.Stdout, o.Stderr, o.ExitCode,
			o.DurationMS, o.MemoryUsedMB, o.TimedOut, o.CompletedAt.UnixMilli(),
			unixMilliPtr(u.StartedAt),
		}
	}
	query += ` WHERE id = ? AND status IN (` + placeholders + `)`
	args = append(args, id)
	for _, st := range allowed {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating execution %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("reading status of %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, u.Status)
}

// FindByID retrieves a single execution by ID.
func (s *SQLStore) FindByID(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, caller_id, project_id, language, code, code_hash, status,
			stdout, stderr, exit_code, duration_ms, memory_used_mb, timed_out,
			created_at, started_at, completed_at
		FROM executions WHERE id = ?`, id)

	var (
		exec               Execution
		status             string
		projectID          sql.NullString
		exitCode           sql.NullInt64
		created            int64
		started, completed sql.NullInt64
	)
	err := row.Scan(
		&exec.ID, &exec.CallerID, &projectID, &exec.Language,
		&exec.Code, &exec.CodeHash, &status,
		&exec.Stdout, &exec.Stderr, &exitCode,
		&exec.DurationMS, &exec.MemoryUsedMB, &exec.TimedOut,
		&created, &started, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}

	exec.Status = Status(status)
	fillNullable(&exec, projectID, exitCode, created, started, completed)
	return &exec, nil
}

// List queries executions with optional filters, newest first. Code and
// output are omitted from list rows.
func (s *SQLStore) List(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `SELECT id, caller_id, project_id, language, code_hash, status, exit_code,
		duration_ms, memory_used_mb, timed_out, created_at, started_at, completed_at
		FROM executions WHERE 1=1`
	var args []any

	if filter.CallerID != "" {
		query += ` AND caller_id = ?`
		args = append(args, filter.CallerID)
	}
	if filter.Language != "" {
		query += ` AND language = ?`
		args = append(args, filter.Language)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, filter.limit(), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var (
			exec               Execution
			status             string
			projectID          sql.NullString
			exitCode           sql.NullInt64
			created            int64
			started, completed sql.NullInt64
		)
		if err := rows.Scan(
			&exec.ID, &exec.CallerID, &projectID, &exec.Language,
			&exec.CodeHash, &status, &exitCode,
			&exec.DurationMS, &exec.MemoryUsedMB, &exec.TimedOut,
			&created, &started, &completed,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		exec.Status = Status(status)
		fillNullable(&exec, projectID, exitCode, created, started, completed)
		results = append(results, exec)
	}

	return results, rows.Err()
}

func fillNullable(exec *Execution, projectID sql.NullString, exitCode sql.NullInt64, created int64, started, completed sql.NullInt64) {
	if projectID.Valid {
		p := projectID.String
		exec.ProjectID = &p
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		exec.ExitCode = &c
	}
	exec.CreatedAt = time.UnixMilli(created).UTC()
	exec.StartedAt = fromUnixMilli(started)
	exec.CompletedAt = fromUnixMilli(completed)
}

func unixMilliPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromUnixMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
