package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addNotificationsMetadataColumn() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_notifications_metadata",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`ALTER TABLE notifications ADD COLUMN IF NOT EXISTS metadata JSONB NOT NULL DEFAULT '{}'`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`ALTER TABLE notifications DROP COLUMN IF EXISTS metadata`).Error
		},
	}
}
