package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
)

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes live in the table
// definition. Text columns cannot carry defaults; Create writes them.
var mysqlSchema = []string{`
CREATE TABLE IF NOT EXISTS executions (
	id             VARCHAR(64) PRIMARY KEY,
	caller_id      VARCHAR(128) NOT NULL,
	project_id     VARCHAR(128),
	language       VARCHAR(32) NOT NULL,
	code           MEDIUMTEXT NOT NULL,
	code_hash      CHAR(64) NOT NULL,
	status         VARCHAR(16) NOT NULL,
	stdout         MEDIUMTEXT NOT NULL,
	stderr         MEDIUMTEXT NOT NULL,
	exit_code      INT,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	memory_used_mb BIGINT NOT NULL DEFAULT 0,
	timed_out      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     BIGINT NOT NULL,
	started_at     BIGINT,
	completed_at   BIGINT,
	INDEX executions_caller_created_idx (caller_id, created_at),
	INDEX executions_status_idx (status)
) CHARACTER SET utf8mb4`,
}

const mysqlDuplicateEntry = 1062

var mysqlDialect = dialect{
	name:   "mysql",
	schema: mysqlSchema,
	isDuplicate: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
	},
}

// OpenMySQL connects to MySQL and applies the schema.
func OpenMySQL(ctx context.Context, dsn string, maxConns int, connLifetime time.Duration) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing mysql dsn: %w", err)
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	db.SetConnMaxLifetime(connLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s, err := newSQLStore(ctx, db, mysqlDialect)
	if err != nil {
		return nil, err
	}

	log.Info().Str("addr", cfg.Addr).Str("db", cfg.DBName).Msg("connected to MySQL")
	return s, nil
}
