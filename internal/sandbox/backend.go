package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"coderunner/internal/config"
)

// NewDriver picks the configured substrate. "auto" prefers containerd on
// Linux and falls back to Docker. Orphans from a previous process are
// removed before the driver is returned.
func NewDriver(ctx context.Context, cfg config.SandboxConfig) (Driver, error) {
	preference := cfg.Backend
	if preference == "" {
		preference = "auto"
	}

	var (
		driver Driver
		err    error
	)
	switch preference {
	case "containerd":
		driver, err = NewContainerdDriver(ctx, cfg.ContainerdSocket, cfg.Namespace)
	case "docker":
		driver, err = NewDockerDriver(ctx, cfg.DockerHost)
	case "auto":
		driver, err = autoDriver(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("backend", driver.Name()).Msg("sandbox driver ready")

	cleaned, err := driver.CleanupOrphans(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return driver, nil
}

func autoDriver(ctx context.Context, cfg config.SandboxConfig) (Driver, error) {
	var errs []error
	if runtime.GOOS == "linux" {
		d, err := NewContainerdDriver(ctx, cfg.ContainerdSocket, cfg.Namespace)
		if err == nil {
			return d, nil
		}
		log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		errs = append(errs, err)
	}

	d, err := NewDockerDriver(ctx, cfg.DockerHost)
	if err == nil {
		return d, nil
	}
	errs = append(errs, err)

	return nil, fmt.Errorf("%w: no sandbox backend available: %w", ErrSubstrateUnavailable, errors.Join(errs...))
}
