package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coderunner/internal/api"
	"coderunner/internal/config"
	"coderunner/internal/coordinator"
	"coderunner/internal/monitor"
	"coderunner/internal/policy"
	"coderunner/internal/runtime"
	"coderunner/internal/sandbox"
	"coderunner/internal/storage"
)

func main() {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	if _, statErr := os.Stat(configPath); statErr == nil {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	registry, err := runtime.NewRegistryFromConfig(cfg.Languages)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid language configuration")
	}

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open execution store")
	}
	defer store.Close()

	driver, err := sandbox.NewDriver(ctx, cfg.Sandbox)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Sandbox.Backend).Msg("no container runtime available")
	}
	defer driver.Close()

	pol, err := policy.New(ctx, cfg.Policy)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise caller policy")
	}
	if c, ok := pol.(io.Closer); ok {
		defer c.Close()
	}

	tracer := monitor.NewNoopTracer()
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
		log.Info().Msg("tracing enabled")
	}

	engine := sandbox.NewEngine(driver, registry, store, sandbox.EngineConfigFrom(cfg.Sandbox),
		sandbox.WithMetrics(metrics),
		sandbox.WithTracer(tracer),
	)
	coord := coordinator.New(engine, registry, store, pol, coordinator.LimitsFrom(cfg.Sandbox),
		coordinator.WithMetrics(metrics),
	)

	server := api.NewServer(cfg, coord, api.HealthChecks{
		Backend:  driver.Name(),
		Runtime:  driver.Healthy,
		Database: store.Healthy,
	}, metrics)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := coord.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("in-flight executions did not drain")
		}
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", driver.Name()).
		Str("database", cfg.Database.Driver).
		Strs("languages", registry.Languages()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-done
	log.Info().Msg("server stopped")
}
