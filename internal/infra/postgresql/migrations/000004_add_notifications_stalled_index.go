package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// The reconciler scans pending and in_progress rows by updated_at to find
// passes that never finished.
func addNotificationsStalledIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_add_notifications_stalled_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_notifications_stalled ON notifications (updated_at) WHERE status IN ('pending', 'in_progress')`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_notifications_stalled`).Error
		},
	}
}
