package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillAnnotationState = "2026-10-01_backfill_annotation_state"

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
		{name: migrationBackfillAnnotationState, apply: backfillAnnotationState},
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

// backfillAnnotationState derives the tri-state column for rows imported from workbooks,
// where only the description text (or its placeholder) was stored.
func backfillAnnotationState(db *gorm.DB) error {
	return db.Exec(`UPDATE snapshot_rows
SET annotation_state = CASE
        WHEN image_description IN ('', 'nan', 'Pending...') THEN 'pending'
        ELSE 'resolved'
    END,
    image_description = CASE
        WHEN image_description IN ('', 'nan', 'Pending...') THEN ''
        ELSE image_description
    END
WHERE annotation_state = ''`).Error
}
