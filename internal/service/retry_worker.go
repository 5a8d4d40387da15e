package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
	"github.com/kursadbilgin/fallback-notifier/internal/observability"
	"github.com/kursadbilgin/fallback-notifier/internal/queue"
	"github.com/kursadbilgin/fallback-notifier/internal/repository"
)

const (
	minWorkerConcurrency   = 1
	defaultWorkerErrorWait = time.Second
	maxWorkerErrorWait     = 30 * time.Second
)

// Discard reasons for retry jobs acknowledged without running a pass.
const (
	discardNotFound   = "not_found"
	discardTerminal   = "terminal"
	discardStale      = "stale_attempt"
	discardInProgress = "in_progress"
	discardPending    = "pending"
)

// PassRunner runs one fallback pass.
type PassRunner interface {
	RunPass(ctx context.Context, n *domain.Notification, opts PassOptions) (*PassResult, error)
}

// RetryWorker consumes due retry jobs and runs the retry pass each one
// names. A job is acknowledged only after its pass has been recorded.
type RetryWorker struct {
	notifications repository.NotificationRepository
	queue         queue.RetryQueue
	passes        PassRunner
	concurrency   int
	errorWait     time.Duration
	logger        *zap.Logger
	metrics       *observability.Metrics
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewRetryWorker(
	notifications repository.NotificationRepository,
	retryQueue queue.RetryQueue,
	passes PassRunner,
	concurrency int,
	logger *zap.Logger,
) (*RetryWorker, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if retryQueue == nil {
		return nil, fmt.Errorf("retry queue is required")
	}
	if passes == nil {
		return nil, fmt.Errorf("pass runner is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryWorker{
		notifications: notifications,
		queue:         retryQueue,
		passes:        passes,
		concurrency:   concurrency,
		errorWait:     defaultWorkerErrorWait,
		logger:        logger,
		sleep:         sleepWithContext,
	}, nil
}

func (w *RetryWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Start runs the consume loops until ctx is cancelled.
func (w *RetryWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("retry worker started", zap.Int("workerId", workerID))

			err := w.consumeLoop(groupCtx, workerID)
			if err != nil {
				w.logger.Error("retry worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("retry worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *RetryWorker) consumeLoop(ctx context.Context, workerID int) error {
	wait := w.errorWait
	for {
		if ctx.Err() != nil {
			return nil
		}

		d, err := w.queue.DequeueDue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("dequeue failed", zap.Int("workerId", workerID), zap.Error(err))
			if w.sleep(ctx, wait) != nil {
				return nil
			}
			wait = nextWait(wait)
			continue
		}
		if d == nil {
			continue
		}

		if err := w.handle(ctx, d); err != nil {
			w.logger.Error("retry job failed; releasing for redelivery",
				zap.Int("workerId", workerID),
				zap.String("notificationId", d.Job.NotificationID),
				zap.Int("attempt", d.Job.Attempt),
				zap.Error(err),
			)
			if releaseErr := w.queue.Release(context.WithoutCancel(ctx), d); releaseErr != nil {
				w.logger.Error("failed to release retry job",
					zap.String("notificationId", d.Job.NotificationID),
					zap.Error(releaseErr),
				)
			}
			if w.sleep(ctx, wait) != nil {
				return nil
			}
			wait = nextWait(wait)
			continue
		}
		wait = w.errorWait
	}
}

// handle runs the pass a delivery names, or acknowledges the delivery when
// it no longer matches the notification's state. Only infrastructure
// failures are returned.
func (w *RetryWorker) handle(ctx context.Context, d *queue.Delivery) error {
	w.metrics.IncWorkerInFlight()
	defer w.metrics.DecWorkerInFlight()

	ctx = observability.WithCorrelationID(ctx, d.Job.CorrelationID)
	logger := observability.WithContextLogger(w.logger, ctx).With(
		zap.String("notificationId", d.Job.NotificationID),
		zap.Int("attempt", d.Job.Attempt),
		zap.Bool("redelivered", d.Redelivered),
	)

	n, err := w.notifications.GetByID(ctx, d.Job.NotificationID)
	if errors.Is(err, domain.ErrNotFound) {
		return w.discard(ctx, logger, d, discardNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}

	trigger, reason := classifyJob(n, d)
	if reason != "" {
		return w.discard(ctx, logger, d, reason)
	}

	result, err := w.passes.RunPass(ctx, n, PassOptions{Trigger: trigger})
	if err != nil {
		return err
	}

	logger.Info("retry pass finished",
		zap.String("trigger", string(trigger)),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("attempts", len(result.Attempts)),
	)
	w.ack(ctx, logger, d)
	return nil
}

// classifyJob returns the trigger to run with, or a discard reason.
func classifyJob(n *domain.Notification, d *queue.Delivery) (PassTrigger, string) {
	if n.Status.IsTerminal() {
		return "", discardTerminal
	}
	if d.Job.Attempt != n.RetryAttempt {
		return "", discardStale
	}

	switch n.Status {
	case domain.StatusRetryScheduled:
		return TriggerRetry, ""
	case domain.StatusInProgress:
		// A redelivered job whose pass is still in progress was abandoned
		// by a consumer that died mid-pass. A resume job comes from the
		// reconciler after the pass stalled.
		if d.Redelivered || d.Job.Resume {
			return TriggerResume, ""
		}
		return "", discardInProgress
	default:
		if d.Job.Resume {
			return TriggerResume, ""
		}
		return "", discardPending
	}
}

func (w *RetryWorker) discard(ctx context.Context, logger *zap.Logger, d *queue.Delivery, reason string) error {
	w.metrics.IncRetryJobDiscarded(reason)
	if reason == discardPending {
		logger.Warn("retry job discarded", zap.String("reason", reason))
	} else {
		logger.Info("retry job discarded", zap.String("reason", reason))
	}
	w.ack(ctx, logger, d)
	return nil
}

// ack failures are logged only: an unacknowledged job is redelivered and
// then discarded by classifyJob.
func (w *RetryWorker) ack(ctx context.Context, logger *zap.Logger, d *queue.Delivery) {
	if err := w.queue.Ack(context.WithoutCancel(ctx), d); err != nil {
		logger.Error("failed to acknowledge retry job", zap.Error(err))
	}
}

func nextWait(current time.Duration) time.Duration {
	return min(current*2, maxWorkerErrorWait)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
