package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kursadbilgin/fallback-notifier/internal/config"
	"github.com/kursadbilgin/fallback-notifier/internal/domain"
	"github.com/kursadbilgin/fallback-notifier/internal/infra/postgresql"
	"github.com/kursadbilgin/fallback-notifier/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/fallback-notifier/internal/infra/redis"
	"github.com/kursadbilgin/fallback-notifier/internal/observability"
	"github.com/kursadbilgin/fallback-notifier/internal/provider"
	"github.com/kursadbilgin/fallback-notifier/internal/queue"
	"github.com/kursadbilgin/fallback-notifier/internal/repository"
	"github.com/kursadbilgin/fallback-notifier/internal/service"
)

const workerPrefetchPerConsumer = 1

// App holds the components shared by the api and worker processes.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	DB    *gorm.DB
	SQLDB *sql.DB
	Queue queue.RetryQueue

	Notifications repository.NotificationRepository
	Attempts      repository.AttemptRepository
	Providers     *provider.Registry
	Scheduler     *service.RetryScheduler
	Orchestrator  *service.Orchestrator
	Service       *service.NotificationService

	closers []func() error
}

// New connects to postgres and the retry queue, runs migrations and wires
// the delivery pipeline. Callers must Close the returned App.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}

	if err := a.initStore(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.initQueue(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.initPipeline(); err != nil {
		_ = a.Close()
		return nil, err
	}

	return a, nil
}

// NewRetryWorker builds the worker consuming the retry queue.
func (a *App) NewRetryWorker() (*service.RetryWorker, error) {
	worker, err := service.NewRetryWorker(
		a.Notifications,
		a.Queue,
		a.Orchestrator,
		a.Config.WorkerConcurrency,
		a.Logger.Named("retry_worker"),
	)
	if err != nil {
		return nil, err
	}
	worker.SetMetrics(a.Metrics)
	return worker, nil
}

// NewRetryReconciler builds the sweeper that re-enqueues overdue retries and
// resumes stalled passes. A pass counts as stalled once it has been idle for
// longer than a full pass over every channel plus the grace period.
func (a *App) NewRetryReconciler() (*service.RetryReconciler, error) {
	stallAfter := a.Config.ChannelSendTimeout*time.Duration(len(domain.DefaultChannels)) + a.Config.RetryReconcileGrace
	return service.NewRetryReconciler(
		a.Notifications,
		a.Scheduler,
		a.Config.RetryReconcileInterval,
		a.Config.RetryReconcileGrace,
		stallAfter,
		0,
		a.Logger.Named("retry_reconciler"),
	)
}

// Close releases the queue and database connections in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) initStore(ctx context.Context) error {
	db, err := postgresql.NewPostgres(ctx, a.Config.DatabaseDSN, postgresql.DefaultPoolConfig)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, func() error { return postgresql.Close(db) })

	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	a.SQLDB = sqlDB

	a.Notifications = repository.NewGormNotificationRepo(db)
	a.Attempts = repository.NewGormAttemptRepo(db)
	return nil
}

func (a *App) initQueue(ctx context.Context) error {
	cfg := a.Config
	logger := a.Logger.Named("retry_queue").With(zap.String("backend", cfg.RetryQueueBackend))

	switch cfg.RetryQueueBackend {
	case config.QueueBackendRabbitMQ:
		client, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, queue.QueuePrefix(cfg.RetryStreamName))
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}

		q, err := queue.NewRabbitMQRetryQueue(client, queue.RabbitMQConfig{
			Prefix:      cfg.RetryStreamName,
			Consumer:    cfg.RetryConsumerName,
			Prefetch:    cfg.WorkerConcurrency * workerPrefetchPerConsumer,
			PollTimeout: cfg.RetryPollTimeout,
		}, logger)
		if err != nil {
			_ = client.Close()
			return err
		}
		a.Queue = q
	default:
		client, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}

		q, err := queue.NewRedisRetryQueue(client, queue.RedisConfig{
			Stream:      cfg.RetryStreamName,
			Group:       cfg.RetryConsumerGroup,
			Consumer:    cfg.RetryConsumerName,
			PollTimeout: cfg.RetryPollTimeout,
			ClaimIdle:   cfg.RetryClaimIdle,
		}, logger)
		if err != nil {
			_ = client.Close()
			return err
		}
		a.Queue = q
	}
	a.closers = append(a.closers, a.Queue.Close)
	return nil
}

func (a *App) initPipeline() error {
	cfg := a.Config

	providers, err := provider.NewRegistryFromConfig(cfg, a.Logger.Named("provider"))
	if err != nil {
		return fmt.Errorf("provider registry init failed: %w", err)
	}
	a.Providers = providers

	backoff := service.DefaultBackoffPolicy()
	backoff.Base = cfg.RetryBackoffBase

	scheduler, err := service.NewRetryScheduler(
		a.Notifications,
		a.Queue,
		backoff,
		cfg.MaxRetryAttempts,
		a.Logger.Named("retry_scheduler"),
	)
	if err != nil {
		return err
	}
	scheduler.SetMetrics(a.Metrics)
	a.Scheduler = scheduler

	orchestrator, err := service.NewOrchestrator(
		a.Notifications,
		a.Attempts,
		providers,
		scheduler,
		cfg.ChannelSendTimeout,
		a.Logger.Named("orchestrator"),
	)
	if err != nil {
		return err
	}
	orchestrator.SetMetrics(a.Metrics)
	a.Orchestrator = orchestrator

	svc, err := service.NewNotificationService(
		a.Notifications,
		a.Attempts,
		orchestrator,
		a.Logger.Named("notification_service"),
	)
	if err != nil {
		return err
	}
	a.Service = svc
	return nil
}
