package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
	"github.com/kursadbilgin/fallback-notifier/internal/repository"
)

const (
	defaultReconcileInterval = 30 * time.Second
	defaultReconcileGrace    = time.Minute
	defaultReconcileLimit    = 100
	defaultReconcileStall    = 3*defaultChannelSendTimeout + defaultReconcileGrace
)

// Requeuer re-enqueues the job of a notification in retry_scheduled and
// enqueues resume jobs for passes that never finished.
type Requeuer interface {
	Requeue(ctx context.Context, n *domain.Notification) error
	Resume(ctx context.Context, n *domain.Notification) error
}

// RetryReconciler periodically re-enqueues retries that are overdue by more
// than the grace period, which covers jobs lost between the status write and
// the enqueue. It also resumes passes stuck in pending or in_progress for
// longer than stallAfter, which covers a store failure or a crash in the
// middle of a pass.
type RetryReconciler struct {
	notifications repository.NotificationRepository
	requeuer      Requeuer
	logger        *zap.Logger
	interval      time.Duration
	grace         time.Duration
	stallAfter    time.Duration
	limit         int
	now           func() time.Time
}

// NewRetryReconciler builds a reconciler. stallAfter must exceed the longest
// healthy pass, that is the channel count times the send timeout.
func NewRetryReconciler(
	notifications repository.NotificationRepository,
	requeuer Requeuer,
	interval time.Duration,
	grace time.Duration,
	stallAfter time.Duration,
	limit int,
	logger *zap.Logger,
) (*RetryReconciler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if requeuer == nil {
		return nil, fmt.Errorf("requeuer is required")
	}
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	if grace <= 0 {
		grace = defaultReconcileGrace
	}
	if stallAfter <= 0 {
		stallAfter = defaultReconcileStall
	}
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryReconciler{
		notifications: notifications,
		requeuer:      requeuer,
		logger:        logger,
		interval:      interval,
		grace:         grace,
		stallAfter:    stallAfter,
		limit:         limit,
		now:           time.Now,
	}, nil
}

func (r *RetryReconciler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("retry reconciler initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("retry reconciler scan failed", zap.Error(err))
			}
		}
	}
}

// Reconcile runs one scan and returns how many jobs were enqueued.
func (r *RetryReconciler) Reconcile(ctx context.Context) (int, error) {
	now := r.now().UTC()

	overdue, err := r.notifications.ListOverdueRetries(ctx, now.Add(-r.grace), r.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue retries: %w", err)
	}
	requeued := 0
	for i := range overdue {
		n := &overdue[i]
		if err := r.requeuer.Requeue(ctx, n); err != nil {
			r.logger.Error("failed to re-enqueue overdue retry",
				zap.String("notificationId", n.ID),
				zap.Int("attempt", n.RetryAttempt),
				zap.Error(err),
			)
			continue
		}
		requeued++
		r.logger.Warn("re-enqueued overdue retry",
			zap.String("notificationId", n.ID),
			zap.Int("attempt", n.RetryAttempt),
			zap.Timep("nextRetryAt", n.NextRetryAt),
		)
	}

	stalled, err := r.notifications.ListStalledPasses(ctx, now.Add(-r.stallAfter), r.limit)
	if err != nil {
		return requeued, fmt.Errorf("failed to list stalled passes: %w", err)
	}
	for i := range stalled {
		n := &stalled[i]
		if err := r.requeuer.Resume(ctx, n); err != nil {
			r.logger.Error("failed to enqueue resume of stalled pass",
				zap.String("notificationId", n.ID),
				zap.String("status", n.Status.String()),
				zap.Error(err),
			)
			continue
		}
		requeued++
		r.logger.Warn("enqueued resume of stalled pass",
			zap.String("notificationId", n.ID),
			zap.String("status", n.Status.String()),
			zap.Int("attempt", n.RetryAttempt),
			zap.Time("updatedAt", n.UpdatedAt),
		)
	}

	return requeued, nil
}
