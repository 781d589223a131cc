package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/abuse"
	"safe-code-runner/internal/api"
	"safe-code-runner/internal/config"
	"safe-code-runner/internal/monitor"
	"safe-code-runner/internal/pipeline"
	"safe-code-runner/internal/runtime"
	"safe-code-runner/internal/sandbox"
	"safe-code-runner/internal/sanitizer"
	"safe-code-runner/internal/storage"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	shutdownTracing, err := monitor.SetupTracing(ctx, cfg.Tracing, version)
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	store, err := abuse.NewStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open abuse store")
	}
	gate, err := abuse.NewGateFromConfig(store, cfg, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid abuse configuration")
	}

	py, err := runtime.NewPython(cfg.Executor.Python, cfg.Executor.Image, cfg.Executor.HashSeed)
	if err != nil {
		log.Fatal().Err(err).Str("python", cfg.Executor.Python).Msg("python interpreter not usable")
	}
	registry := runtime.NewRegistry()
	registry.Register(py, "python3", "py")

	backend, err := sandbox.NewBackend(ctx, cfg, py)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Executor.Backend).Msg("sandbox backend unavailable")
	}

	// The database is optional; without it nothing is audited.
	var (
		db          *storage.DB
		executions  api.ExecutionStore
		auditWriter *storage.AuditWriter
		recorder    storage.Recorder = storage.NopRecorder{}
	)
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else if err := db.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to apply schema, audit logging disabled")
			db.Close()
			db = nil
		}
	}
	if db != nil {
		defer db.Close()
		executions = db
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
		recorder = auditWriter
	}

	svc := pipeline.New(pipeline.Deps{
		Gate:      gate,
		Sanitizer: sanitizer.New(sanitizer.PolicyFromConfig(cfg.Sanitizer)),
		Backend:   backend,
		Metrics:   metrics,
		Tracer:    monitor.NewTracer(),
		Detector:  monitor.NewProbeDetector(),
		Audit:     recorder,
	})

	server := api.NewServer(cfg, svc, registry, executions, metrics)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("abuse store close error")
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracer shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("version", version).
		Str("backend", backend.Name()).
		Str("store", cfg.Store.Backend).
		Bool("db_enabled", db != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
