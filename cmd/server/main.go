// Package main provides the entry point for the arena backend server: a
// market simulation arena where user-configured trading agents compete on a
// shared seeded market.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/api"
	"github.com/atlas-desktop/arena-backend/internal/config"
	"github.com/atlas-desktop/arena-backend/internal/data"
	"github.com/atlas-desktop/arena-backend/internal/events"
	"github.com/atlas-desktop/arena-backend/internal/leaderboard"
	"github.com/atlas-desktop/arena-backend/internal/market"
	"github.com/atlas-desktop/arena-backend/internal/observability"
	"github.com/atlas-desktop/arena-backend/internal/orchestrator"
	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/internal/storage/memory"
	"github.com/atlas-desktop/arena-backend/internal/storage/migrations"
	"github.com/atlas-desktop/arena-backend/internal/storage/postgres"
	"github.com/atlas-desktop/arena-backend/internal/workers"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	defer logger.Sync()

	logger.Info("Starting Arena Backend",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("dataDir", cfg.Data.Dir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStorage(ctx, logger, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	if store.Close != nil {
		defer store.Close()
	}

	// Initialize data store
	dataStore, err := data.NewStore(logger, cfg.Data.Dir)
	if err != nil {
		logger.Fatal("Failed to initialize data store", zap.Error(err))
	}

	genOpts := market.DefaultOptions()
	genOpts.DefaultSymbol = cfg.Market.DefaultSymbol
	genOpts.BenchmarkSymbol = cfg.Market.BenchmarkSymbol
	generator := market.NewGenerator(logger, dataStore, genOpts)

	metrics := observability.NewMetrics(logger, version)

	poolCfg := workers.DefaultPoolConfig("simulation")
	if cfg.Simulation.Workers > 0 {
		poolCfg.NumWorkers = cfg.Simulation.Workers
	}
	poolCfg.QueueSize = cfg.Simulation.QueueSize
	poolCfg.TaskTimeout = cfg.Simulation.AgentTimeout
	pool := workers.NewPool(logger, poolCfg, metrics)
	pool.Start()

	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())

	cache, err := leaderboard.NewCache(logger, cfg.Leaderboard.CacheTTL, cfg.Leaderboard.CacheMaxMB)
	if err != nil {
		logger.Fatal("Failed to initialize leaderboard cache", zap.Error(err))
	}
	board := leaderboard.NewService(logger, store, cache)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.StopWait = cfg.Simulation.StopWait
	orchCfg.SlippageModel = cfg.Simulation.SlippageModel
	orch, err := orchestrator.New(logger, orchCfg, orchestrator.Deps{
		Store:     store,
		Generator: generator,
		Pool:      pool,
		Bus:       bus,
		Recorder:  metrics,
		Cache:     board,
	})
	if err != nil {
		logger.Fatal("Failed to initialize orchestrator", zap.Error(err))
	}
	metrics.GaugeFunc("rounds_running", "Rounds with a live simulation job.", func() float64 {
		return float64(orch.ActiveRounds())
	})
	metrics.GaugeFunc("leaderboard_cache_entries", "Entries held by the leaderboard cache.", func() float64 {
		return float64(cache.Len())
	})

	// Rounds left RUNNING by a previous process cannot resume.
	recovered, err := orch.Recover(ctx)
	if err != nil {
		logger.Fatal("Failed to recover interrupted rounds", zap.Error(err))
	}
	if recovered > 0 {
		logger.Warn("Marked interrupted rounds as failed", zap.Int("rounds", recovered))
	}

	hub := api.NewHub(logger)
	hub.Bind(bus)
	go hub.Run()

	server := api.NewServer(logger, cfg.ServerTypes(), api.Deps{
		Orchestrator:    orch,
		Leaderboard:     board,
		DataStore:       dataStore,
		Hub:             hub,
		Metrics:         metrics,
		Pool:            pool,
		DefaultSymbol:   cfg.Market.DefaultSymbol,
		BenchmarkSymbol: cfg.Market.BenchmarkSymbol,
		CORSOrigins:     cfg.Server.CORSOrigins,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.Info("Arena Backend started",
		zap.String("websocket", cfg.Server.WebSocketPath),
		zap.Int("workers", poolCfg.NumWorkers),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server stopped", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to stop running rounds", zap.Error(err))
	}
	if err := pool.Stop(); err != nil {
		logger.Error("Failed to stop worker pool", zap.Error(err))
	}
	bus.Stop()
	if err := cache.Close(); err != nil {
		logger.Warn("Failed to close leaderboard cache", zap.Error(err))
	}

	logger.Info("Arena Backend stopped")
}

// openStorage connects the configured backend and applies migrations.
func openStorage(ctx context.Context, logger *zap.Logger, cfg config.StorageConfig) (*storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("Using in-memory storage; rounds are lost on restart")
		return memory.New(), nil
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		pool, err := postgres.NewPool(connectCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := migrations.RunPostgresMigrations(connectCtx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
		logger.Info("Connected to postgres")
		return postgres.New(pool), nil
	default:
		return nil, errors.New("unknown storage driver " + cfg.Driver)
	}
}

func setupLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var encodeLevel zapcore.LevelEncoder = zapcore.CapitalColorLevelEncoder
	if format == "json" {
		encodeLevel = zapcore.LowercaseLevelEncoder
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
