package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
)

// AttemptRepository is the append-only attempt half of the Delivery Store.
type AttemptRepository interface {
	// Append assigns the next sequence number, stores the attempt and bumps
	// the notification's attempt count in one transaction.
	Append(ctx context.Context, a *domain.DeliveryAttempt) error
	ListByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Append(ctx context.Context, a *domain.DeliveryAttempt) error {
	if err := a.Validate(); err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent NotificationModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "attempt_count").
			First(&parent, "id = ?", a.NotificationID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		model := attemptModelFromDomain(a)
		model.Sequence = parent.AttemptCount + 1
		if err := tx.Create(model).Error; err != nil {
			return err
		}

		if err := tx.Model(&NotificationModel{}).
			Where("id = ?", a.NotificationID).
			Update("attempt_count", gorm.Expr("attempt_count + 1")).Error; err != nil {
			return err
		}

		*a = *attemptModelToDomain(model)
		return nil
	})
}

func (r *GormAttemptRepo) ListByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("sequence ASC, created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}
	return attempts, nil
}
