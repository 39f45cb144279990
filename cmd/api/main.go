package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/docrag/backend/internal/api"
	"github.com/docrag/backend/internal/api/handlers"
	"github.com/docrag/backend/internal/bootstrap"
	"github.com/docrag/backend/internal/ingestion"
	"github.com/docrag/backend/internal/metrics"
	"github.com/docrag/backend/internal/middleware/ratelimit"
	"github.com/docrag/backend/internal/queue"
	"github.com/docrag/backend/internal/source/web"
	"github.com/docrag/backend/pkg/config"
	appLogger "github.com/docrag/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting document retrieval API server")
	metrics.Init()

	ctx := context.Background()
	components, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to build pipeline", zap.Error(err))
	}
	defer components.Close()

	// with the in-process pool, anything still processing lost its worker
	if n, err := components.RecoverInterrupted(ctx); err != nil {
		appLogger.Warn("Failed to recover interrupted documents", zap.Error(err))
	} else if n > 0 {
		appLogger.Info("Marked interrupted documents as failed", zap.Int("count", n))
	}

	var pool *ingestion.Pool
	switch cfg.Ingestion.Dispatcher {
	case "asynq":
		dispatcher := queue.NewDispatcher(components.RedisOpt(), cfg.Ingestion.Queue, components.TaskTimeout())
		defer dispatcher.Close()
		components.Orchestrator.SetDispatcher(dispatcher)
		appLogger.Info("Ingestion runs on asynq workers", zap.String("queue", cfg.Ingestion.Queue))
	default:
		pool = ingestion.NewPool(cfg.Ingestion.Workers, cfg.Ingestion.QueueSize)
		pool.Start(components.Orchestrator.Process)
		components.Orchestrator.SetDispatcher(pool)
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		Logger:            appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	checks := map[string]handlers.Check{
		"sqlite": components.Store.Ping,
	}
	if components.Cache != nil {
		checks["redis"] = components.Cache.Ping
	}

	app := api.NewRouter(cfg.Server, cfg.Retrieval, api.Deps{
		Orchestrator: components.Orchestrator,
		Engine:       components.Engine,
		Store:        components.Store,
		Fetcher:      web.NewFetcher(time.Duration(cfg.Server.ReadTimeout)*time.Second, int64(cfg.Server.BodyLimit)),
		Checks:       checks,
		RateLimiter:  limiter,
		AccessLog:    cfg.Server.Development,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	if pool != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pool.Shutdown(shutdownCtx); err != nil {
			// cancelled jobs roll back and are marked failed
			appLogger.Warn("Ingestion workers did not drain", zap.Error(err))
		}
		cancel()
	}

	appLogger.Info("Server stopped")
}
