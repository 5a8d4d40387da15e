package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
)

type ListParams struct {
	Status   *domain.Status
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// NotificationRepository is the notification half of the Delivery Store.
type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	// UpdateStatus applies t only while the stored status equals t.From.
	// It returns domain.ErrStaleTransition when the precondition fails.
	UpdateStatus(ctx context.Context, id string, t domain.Transition) error
	ListOverdueRetries(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Notification, error)
	// ListStalledPasses returns pending and in_progress notifications not
	// updated since updatedBefore, oldest first.
	ListStalledPasses(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error)
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	model := notificationModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if n != nil {
		*n = *notificationModelToDomain(model)
	}
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(params.Page, params.PageSize)

	var models []NotificationModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return notificationsToDomain(models), total, nil
}

func (r *GormNotificationRepo) UpdateStatus(ctx context.Context, id string, t domain.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, t.From).
		Updates(transitionColumns(t))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	// Zero rows: the row is gone or another actor moved it first.
	var current NotificationModel
	err := r.db.WithContext(ctx).Select("status").First(&current, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: expected %s, found %s", domain.ErrStaleTransition, t.From, current.Status)
}

func (r *GormNotificationRepo) ListOverdueRetries(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", domain.StatusRetryScheduled, dueBefore).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return notificationsToDomain(models), nil
}

func (r *GormNotificationRepo) ListStalledPasses(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at <= ?", stalledStatuses, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return notificationsToDomain(models), nil
}

var stalledStatuses = []domain.Status{domain.StatusPending, domain.StatusInProgress}

func transitionColumns(t domain.Transition) map[string]any {
	cols := map[string]any{
		"status":     t.To,
		"updated_at": time.Now().UTC(),
	}
	if t.ChannelUsed != nil {
		cols["channel_used"] = *t.ChannelUsed
	}
	if t.RetryAttempt != nil {
		cols["retry_attempt"] = *t.RetryAttempt
	}
	switch {
	case t.To == domain.StatusRetryScheduled:
		cols["next_retry_at"] = *t.NextRetryAt
	case t.To.IsTerminal():
		cols["next_retry_at"] = nil
	}
	return cols
}

func normalizePage(page, pageSize int) (int, int) {
	page = max(page, 1)
	if pageSize < 1 {
		pageSize = 50
	}
	return page, min(pageSize, 100)
}

func notificationsToDomain(models []NotificationModel) []domain.Notification {
	out := make([]domain.Notification, 0, len(models))
	for i := range models {
		out = append(out, *notificationModelToDomain(&models[i]))
	}
	return out
}
