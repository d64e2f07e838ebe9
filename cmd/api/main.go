package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/app"
	"github.com/user/price-tracker/internal/delivery/http/handler"
	"github.com/user/price-tracker/internal/delivery/http/router"
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

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("api stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// --- Store, correlator and scheduler ---
	rt, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error("failed to close connections", zap.Error(err))
		}
	}()

	checks := map[string]handler.HealthCheck{"store": rt.Store.Ping}
	if rt.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return rt.Redis.Ping(ctx).Err() }
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.Refresher.Run(ctx, cfg.Refresh.Interval)
	}()

	// --- HTTP Server ---
	apiHandler := handler.NewHandler(ctx, rt.Refresher, rt.Store, checks, log)
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router.New(apiHandler, log),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server",
			zap.String("port", cfg.ServerPort),
			zap.String("store", cfg.Store.Driver),
			zap.String("fetch_mode", cfg.Fetch.Mode),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			cancel()
			wg.Wait()
			return errors.Wrapf(err, "could not listen on port %s", cfg.ServerPort)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}

	// passes in flight keep their runs for the next start
	cancel()
	wg.Wait()
	log.Info("server stopped")
	return nil
}
