package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCardsTreeUpdatedIndex = "2026-10-01_cards_tree_updated_index"

	cardsTreeUpdatedIndex = "idx_cards_tree_updated"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationCardsTreeUpdatedIndex, apply: createCardsTreeUpdatedIndex},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// createCardsTreeUpdatedIndex covers checkpoint pulls, which filter by tree
// and scan updated_at in order.
func createCardsTreeUpdatedIndex(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS " + cardsTreeUpdatedIndex + " ON cards (tree_id, updated_at)").Error
}
