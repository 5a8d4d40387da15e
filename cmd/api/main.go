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
	"github.com/kursadbilgin/fallback-notifier/internal/domain"
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
		logger.Fatal("api stopped with error", zap.Error(err))
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

	server := transport.NewApp(transport.ServerConfig{
		AppName:            "fallback-notifier-api",
		ChannelSendTimeout: cfg.ChannelSendTimeout,
		ChannelCount:       len(domain.DefaultChannels),
	}, logger, a.Metrics)

	handler.RegisterHealthRoutes(server, a.SQLDB, a.Queue)
	handler.RegisterMetricsRoute(server, a.Metrics)
	if err := handler.RegisterNotificationRoutes(server, a.Service); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("fallback-notifier api started",
			zap.Int("port", cfg.APIPort),
			zap.String("retryQueue", cfg.RetryQueueBackend),
			zap.Strings("providers", channelNames(a.Providers.Channels())),
		)
		return server.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down api")
		return server.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func channelNames(channels []domain.Channel) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.String())
	}
	return out
}
