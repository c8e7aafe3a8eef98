package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"coderunner/internal/config"
)

// Open connects the store named by cfg.Driver and wraps it with write
// retries when cfg.WriteRetries is positive.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "postgres":
		s, err = New(ctx, cfg.DSN, int32(cfg.MaxOpenConns), cfg.ConnMaxLifetime)
	case "mysql":
		s, err = OpenMySQL(ctx, cfg.DSN, cfg.MaxOpenConns, cfg.ConnMaxLifetime)
	case "sqlite", "":
		s, err = OpenSQLite(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("driver", cfg.Driver).
		Int("write_retries", cfg.WriteRetries).
		Msg("execution store ready")

	return WithRetry(s, cfg.WriteRetries), nil
}
