package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillPrEntryMovementIDs = "2026-01-15_backfill_pr_entry_movement_ids"

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
		{name: migrationBackfillPrEntryMovementIDs, apply: backfillPrEntryMovementIDs},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before movement_id was denormalized carry it only inside value_json.
func backfillPrEntryMovementIDs(db *gorm.DB) error {
	extract := "json_extract(value_json, '$.movementId')"
	if db.Dialector.Name() == "postgres" {
		extract = "(value_json::json ->> 'movementId')"
	}
	return db.Exec("UPDATE pr_entries SET movement_id = " + extract +
		" WHERE movement_id IS NULL AND value_json IS NOT NULL").Error
}
