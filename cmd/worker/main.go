package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/bootstrap"
	"github.com/docrag/backend/internal/metrics"
	"github.com/docrag/backend/internal/queue"
	"github.com/docrag/backend/pkg/config"
	appLogger "github.com/docrag/backend/pkg/logger"
)

// The worker consumes ingestion tasks enqueued by the API server when
// ingestion.dispatcher is asynq.
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

	if !cfg.Redis.Enabled {
		appLogger.Fatal("The ingestion worker requires redis.enabled")
	}

	metrics.Init()

	components, err := bootstrap.Build(context.Background(), cfg)
	if err != nil {
		appLogger.Fatal("Failed to build pipeline", zap.Error(err))
	}
	defer components.Close()

	mux := asynq.NewServeMux()
	queue.NewHandler(components.Orchestrator.Process).Register(mux)

	srv := queue.NewServer(components.RedisOpt(), cfg.Ingestion.Queue, cfg.Ingestion.Workers)

	appLogger.Info("Ingestion worker starting",
		zap.String("queue", cfg.Ingestion.Queue),
		zap.Int("concurrency", cfg.Ingestion.Workers),
	)

	// Run blocks until SIGTERM or SIGINT and then waits for active tasks.
	if err := srv.Run(mux); err != nil {
		appLogger.Fatal("Worker stopped with error", zap.Error(err))
	}
	appLogger.Info("Worker stopped")
}
