package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/fallback-notifier/internal/repository"
)

// Sequence is deliberately not unique: a redelivered pass may append
// attempts concurrently with a stale one.
func createDeliveryAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_delivery_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeliveryAttemptModel{}); err != nil {
				return err
			}
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_notification_sequence ON delivery_attempts (notification_id, sequence)`,
				`ALTER TABLE delivery_attempts ADD CONSTRAINT fk_delivery_attempts_notification FOREIGN KEY (notification_id) REFERENCES notifications (id)`,
				`ALTER TABLE delivery_attempts ADD CONSTRAINT chk_delivery_attempts_error CHECK ((outcome = 'failed') = (error IS NOT NULL))`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeliveryAttemptModel{})
		},
	}
}
