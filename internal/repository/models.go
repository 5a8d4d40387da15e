package repository

import (
	"maps"
	"time"

	"gorm.io/datatypes"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID             string                             `gorm:"type:uuid;primaryKey"`
	CorrelationID  string                             `gorm:"type:varchar(64);not null"`
	IdempotencyKey *string                            `gorm:"type:varchar(255)"`
	Recipient      string                             `gorm:"type:varchar(255);not null"`
	Message        string                             `gorm:"type:text;not null"`
	Channels       datatypes.JSONSlice[domain.Channel] `gorm:"type:jsonb;not null"`
	Metadata       datatypes.JSONMap                  `gorm:"type:jsonb;not null;default:'{}'"`
	Status         domain.Status                      `gorm:"type:varchar(20);not null"`
	ChannelUsed    *domain.Channel                    `gorm:"type:varchar(16)"`
	AttemptCount   int                                `gorm:"not null;default:0"`
	RetryAttempt   int                                `gorm:"not null;default:0"`
	NextRetryAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID                string                `gorm:"type:uuid;primaryKey"`
	NotificationID    string                `gorm:"type:uuid;not null"`
	Channel           domain.Channel        `gorm:"type:varchar(16);not null"`
	Sequence          int                   `gorm:"not null"`
	Outcome           domain.AttemptOutcome `gorm:"type:varchar(16);not null"`
	Error             *string               `gorm:"type:text"`
	StatusCode        *int                  `gorm:"type:int"`
	ProviderMessageID *string               `gorm:"type:varchar(255)"`
	CreatedAt         time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:             n.ID,
		CorrelationID:  n.CorrelationID,
		IdempotencyKey: n.IdempotencyKey,
		Recipient:      n.Recipient,
		Message:        n.Message,
		Channels:       datatypes.NewJSONSlice(append([]domain.Channel(nil), n.Channels...)),
		Metadata:       metadataToModel(n.Metadata),
		Status:         n.Status,
		ChannelUsed:    n.ChannelUsed,
		AttemptCount:   n.AttemptCount,
		RetryAttempt:   n.RetryAttempt,
		NextRetryAt:    n.NextRetryAt,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:             m.ID,
		CorrelationID:  m.CorrelationID,
		IdempotencyKey: m.IdempotencyKey,
		Recipient:      m.Recipient,
		Message:        m.Message,
		Channels:       append([]domain.Channel(nil), m.Channels...),
		Metadata:       metadataFromModel(m.Metadata),
		Status:         m.Status,
		ChannelUsed:    m.ChannelUsed,
		AttemptCount:   m.AttemptCount,
		RetryAttempt:   m.RetryAttempt,
		NextRetryAt:    m.NextRetryAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// metadataToModel never returns nil so the column is written as an empty
// object rather than NULL.
func metadataToModel(metadata map[string]any) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(metadata))
	maps.Copy(out, metadata)
	return out
}

func metadataFromModel(metadata datatypes.JSONMap) map[string]any {
	out := make(map[string]any, len(metadata))
	maps.Copy(out, metadata)
	return out
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:                a.ID,
		NotificationID:    a.NotificationID,
		Channel:           a.Channel,
		Sequence:          a.Sequence,
		Outcome:           a.Outcome,
		Error:             a.Error,
		StatusCode:        a.StatusCode,
		ProviderMessageID: a.ProviderMessageID,
		CreatedAt:         a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:                m.ID,
		NotificationID:    m.NotificationID,
		Channel:           m.Channel,
		Sequence:          m.Sequence,
		Outcome:           m.Outcome,
		Error:             m.Error,
		StatusCode:        m.StatusCode,
		ProviderMessageID: m.ProviderMessageID,
		CreatedAt:         m.CreatedAt,
	}
}
