package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
	"github.com/kursadbilgin/fallback-notifier/internal/observability"
	"github.com/kursadbilgin/fallback-notifier/internal/queue"
	"github.com/kursadbilgin/fallback-notifier/internal/repository"
)

const (
	defaultMaxRetryAttempts = 3

	failureReasonRetryBudget = "retry_budget_exhausted"
)

// RetryScheduler decides, after a failed pass, between a delayed retry and
// permanent failure.
type RetryScheduler struct {
	notifications repository.NotificationRepository
	queue         queue.RetryQueue
	backoff       BackoffPolicy
	maxAttempts   int
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewRetryScheduler(
	notifications repository.NotificationRepository,
	retryQueue queue.RetryQueue,
	backoff BackoffPolicy,
	maxAttempts int,
	logger *zap.Logger,
) (*RetryScheduler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if retryQueue == nil {
		return nil, fmt.Errorf("retry queue is required")
	}
	if maxAttempts < 1 {
		maxAttempts = defaultMaxRetryAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScheduler{
		notifications: notifications,
		queue:         retryQueue,
		backoff:       backoff,
		maxAttempts:   maxAttempts,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *RetryScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// ScheduleRetry moves an in-progress notification whose pass failed on every
// channel either to permanently_failed, once attemptNumber reaches the
// attempt budget, or to retry_scheduled with a job due after the backoff
// delay. An enqueue failure is returned after the status write; the
// reconciler re-enqueues such notifications.
func (s *RetryScheduler) ScheduleRetry(ctx context.Context, n *domain.Notification, attemptNumber int) (PassOutcome, error) {
	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("notificationId", n.ID),
		zap.Int("attempt", attemptNumber),
	)

	if attemptNumber >= s.maxAttempts {
		failed := domain.Transition{From: domain.StatusInProgress, To: domain.StatusPermanentlyFailed}
		if err := s.notifications.UpdateStatus(ctx, n.ID, failed); err != nil {
			if errors.Is(err, domain.ErrStaleTransition) {
				logger.Warn("permanent failure transition lost", zap.Error(err))
				return OutcomeSkipped, nil
			}
			return "", fmt.Errorf("failed to mark notification permanently failed: %w", err)
		}
		failed.Apply(n, s.now().UTC())
		s.metrics.IncNotificationFailed(failureReasonRetryBudget)
		logger.Warn("notification permanently failed",
			zap.Int("maxAttempts", s.maxAttempts),
			zap.Int("deliveryAttempts", n.AttemptCount),
		)
		return OutcomePermanentlyFailed, nil
	}

	now := s.now().UTC()
	dueAt := now.Add(s.backoff.Delay(attemptNumber))
	scheduled := domain.Transition{
		From:         domain.StatusInProgress,
		To:           domain.StatusRetryScheduled,
		RetryAttempt: &attemptNumber,
		NextRetryAt:  &dueAt,
	}
	if err := s.notifications.UpdateStatus(ctx, n.ID, scheduled); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			logger.Warn("retry transition lost", zap.Error(err))
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("failed to mark notification for retry: %w", err)
	}
	scheduled.Apply(n, now)

	job := domain.RetryJob{
		NotificationID: n.ID,
		CorrelationID:  n.CorrelationID,
		Attempt:        attemptNumber,
		DueAt:          dueAt,
		EnqueuedAt:     now,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return OutcomeRetryScheduled, fmt.Errorf("failed to enqueue retry job: %w", err)
	}
	s.metrics.IncRetryScheduled()

	logger.Info("retry scheduled",
		zap.Time("dueAt", dueAt),
		zap.Duration("delay", job.Delay()),
	)
	return OutcomeRetryScheduled, nil
}

// Requeue rebuilds and enqueues the job for a notification already in
// retry_scheduled. The rebuilt job carries the same key as the original.
func (s *RetryScheduler) Requeue(ctx context.Context, n *domain.Notification) error {
	if n.Status != domain.StatusRetryScheduled || n.NextRetryAt == nil {
		return fmt.Errorf("%w: notification %s has no scheduled retry", domain.ErrValidation, n.ID)
	}

	dueAt := n.NextRetryAt.UTC()
	job := domain.RetryJob{
		NotificationID: n.ID,
		CorrelationID:  n.CorrelationID,
		Attempt:        n.RetryAttempt,
		DueAt:          dueAt,
		EnqueuedAt:     dueAt.Add(-s.backoff.Delay(n.RetryAttempt)),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to re-enqueue retry job: %w", err)
	}
	return nil
}

// Resume enqueues a job, due now, that re-runs the pass of a notification
// left in pending or in_progress by a failed store write or a crash.
func (s *RetryScheduler) Resume(ctx context.Context, n *domain.Notification) error {
	if n.Status != domain.StatusPending && n.Status != domain.StatusInProgress {
		return fmt.Errorf("%w: notification %s has no pass to resume", domain.ErrValidation, n.ID)
	}

	now := s.now().UTC()
	job := domain.RetryJob{
		NotificationID: n.ID,
		CorrelationID:  n.CorrelationID,
		Attempt:        n.RetryAttempt,
		Resume:         true,
		DueAt:          now,
		EnqueuedAt:     now,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue resume job: %w", err)
	}
	return nil
}
