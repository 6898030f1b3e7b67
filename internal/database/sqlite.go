package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SnapshotRow is one durable snapshot row in the sqlite store.
type SnapshotRow struct {
	RecordID        string `gorm:"column:record_id;primaryKey;size:190;not null"`
	Position        int    `gorm:"column:position;not null;index:idx_snapshot_rows_position"`
	GPS             string `gorm:"column:gps;not null;default:''"`
	Address         string `gorm:"column:address;not null;default:''"`
	Message         string `gorm:"column:message;not null;default:''"`
	ImageURL        string `gorm:"column:image_url;not null;default:''"`
	AnnotationState string `gorm:"column:annotation_state;size:16;not null;default:''"`
	Annotation      string `gorm:"column:image_description;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRow) TableName() string {
	return "snapshot_rows"
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, log *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&SnapshotRow{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, log); err != nil {
		return nil, err
	}

	if log != nil {
		log.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
