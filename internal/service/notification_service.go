package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
	"github.com/kursadbilgin/fallback-notifier/internal/observability"
	"github.com/kursadbilgin/fallback-notifier/internal/repository"
)

type SubmitRequest struct {
	Recipient      string
	Message        string
	Channels       []domain.Channel
	IdempotencyKey *string
	Metadata       map[string]any
}

type SubmitResult struct {
	Notification *domain.Notification
	Attempts     []domain.DeliveryAttempt
	// Replayed is set when the idempotency key matched an earlier
	// submission and no new pass ran.
	Replayed bool
}

// NotificationService accepts notifications and runs the first pass inline.
type NotificationService struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	passes        PassRunner
	logger        *zap.Logger
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	passes PassRunner,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil || attempts == nil {
		return nil, fmt.Errorf("notification and attempt repositories are required")
	}
	if passes == nil {
		return nil, fmt.Errorf("pass runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		attempts:      attempts,
		passes:        passes,
		logger:        logger,
	}, nil
}

// Submit validates and persists a notification, then runs its first pass.
// Invalid input is rejected before anything is stored. The caller receives
// the state after the first pass.
func (s *NotificationService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, correlationID := observability.EnsureCorrelationID(ctx)

	n := &domain.Notification{
		CorrelationID:  correlationID,
		IdempotencyKey: req.IdempotencyKey,
		Recipient:      req.Recipient,
		Message:        req.Message,
		Channels:       req.Channels,
		Metadata:       req.Metadata,
	}
	if err := prepareNotificationForCreate(n); err != nil {
		return nil, err
	}

	if err := s.notifications.Create(ctx, n); err != nil {
		existing, resolved, resolveErr := s.resolveIdempotencyConflict(ctx, err, n.IdempotencyKey)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if resolved {
			attempts, err := s.attempts.ListByNotificationID(ctx, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to load attempts of existing notification: %w", err)
			}
			return &SubmitResult{Notification: existing, Attempts: attempts, Replayed: true}, nil
		}
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}

	observability.WithContextLogger(s.logger, ctx).Info("notification accepted",
		zap.String("notificationId", n.ID),
		zap.Strings("channels", channelNames(n.Channels)),
	)

	result, err := s.passes.RunPass(ctx, n, PassOptions{Trigger: TriggerSubmission})
	if err != nil {
		return nil, fmt.Errorf("first delivery pass failed: %w", err)
	}

	return &SubmitResult{Notification: result.Notification, Attempts: result.Attempts}, nil
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, strings.TrimSpace(id))
}

// ListAttempts returns the attempt log of a notification in sequence order.
func (s *NotificationService) ListAttempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	n, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.attempts.ListByNotificationID(ctx, n.ID)
}

func (s *NotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Notification, int64, error) {
	return s.notifications.List(ctx, params)
}

func prepareNotificationForCreate(n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	n.Recipient = strings.TrimSpace(n.Recipient)
	n.CorrelationID = strings.TrimSpace(n.CorrelationID)
	if n.CorrelationID == "" {
		n.CorrelationID = uuid.NewString()
	}

	n.ID = strings.TrimSpace(n.ID)
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	n.IdempotencyKey = normalizeOptionalString(n.IdempotencyKey)
	n.Channels = domain.NormalizeChannels(n.Channels)
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}

	n.Status = domain.StatusPending
	n.ChannelUsed = nil
	n.AttemptCount = 0
	n.RetryAttempt = 0
	n.NextRetryAt = nil

	return n.Validate()
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func channelNames(channels []domain.Channel) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.String())
	}
	return out
}

func (s *NotificationService) resolveIdempotencyConflict(
	ctx context.Context,
	createErr error,
	idempotencyKey *string,
) (*domain.Notification, bool, error) {
	if idempotencyKey == nil || strings.TrimSpace(*idempotencyKey) == "" {
		return nil, false, nil
	}
	if !isUniqueViolationError(createErr) {
		return nil, false, nil
	}

	existing, err := s.notifications.GetByIdempotencyKey(ctx, strings.TrimSpace(*idempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing notification after idempotency conflict: %w", err)
	}
	s.logger.Info("idempotency conflict resolved",
		zap.String("existingId", existing.ID),
		zap.String("idempotencyKey", *idempotencyKey),
	)
	return existing, true, nil
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
