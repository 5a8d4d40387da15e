package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/fallback-notifier/internal/app"
	"github.com/kursadbilgin/fallback-notifier/internal/config"
	"github.com/kursadbilgin/fallback-notifier/internal/handler"
	"github.com/kursadbilgin/fallback-notifier/internal/observability"
	"github.com/kursadbilgin/fallback-notifier/internal/transport"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close dependencies", zap.Error(err))
		}
	}()

	worker, err := a.NewRetryWorker()
	if err != nil {
		return err
	}
	reconciler, err := a.NewRetryReconciler()
	if err != nil {
		return err
	}

	// The worker only serves probes and metrics.
	server := transport.NewApp(transport.ServerConfig{AppName: "fallback-notifier-worker"}, logger, nil)
	handler.RegisterHealthRoutes(server, a.SQLDB, a.Queue)
	handler.RegisterMetricsRoute(server, a.Metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Start(gctx)
	})
	g.Go(func() error {
		return reconciler.Start(gctx)
	})
	g.Go(func() error {
		return server.Listen(fmt.Sprintf(":%d", cfg.WorkerHTTPPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.ShutdownWithTimeout(shutdownTimeout)
	})

	logger.Info("fallback-notifier worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("retryQueue", cfg.RetryQueueBackend),
		zap.Int("port", cfg.WorkerHTTPPort),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
