package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/app"
	redis_adapter "github.com/user/price-tracker/internal/adapter/redis"
	"github.com/user/price-tracker/internal/usecase"
	"github.com/user/price-tracker/pkg/config"
	"github.com/user/price-tracker/pkg/logger"
)

func main() {
	// --- Configuration ---
	boot := logger.Bootstrap()
	cfg, err := config.Load()
	if err != nil {
		boot.Fatal("could not load config", zap.Error(err))
	}

	// --- Logger ---
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		boot.Fatal("failed to initialize logger", zap.Error(err), zap.String("level", cfg.LogLevel))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := app.NewRedisClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("unable to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	fetcher, release, err := app.NewWorkerFetcher(cfg, log)
	if err != nil {
		log.Fatal("failed to create fetcher", zap.Error(err))
	}
	defer release()

	worker := usecase.NewFetchWorker(
		redis_adapter.NewQueueRepo(rdb),
		redis_adapter.NewResultRepo(rdb),
		redis_adapter.NewCacheRepo(rdb),
		fetcher,
		usecase.WorkerConfig{
			Concurrency: cfg.Worker.Concurrency,
			ResultTTL:   cfg.Worker.ResultTTL,
			CacheTTL:    cfg.Worker.CacheTTL,
		},
		log,
	)

	log.Info("fetch worker started",
		zap.String("backend", cfg.Worker.Backend),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)
	if err := worker.Run(ctx); err != nil {
		log.Error("fetch worker stopped with error", zap.Error(err))
		return
	}
	log.Info("fetch worker stopped")
}
