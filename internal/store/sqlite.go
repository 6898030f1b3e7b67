package store

import (
	"context"
	"errors"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/database"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/records"
	"gorm.io/gorm"
)

const saveBatchSize = 200

var errMissingDatabase = errors.New("store: database handle is required")

// SQLiteBackend keeps the snapshot in the snapshot_rows table.
type SQLiteBackend struct {
	db       *gorm.DB
	location string
}

// NewSQLiteBackend wraps an opened database; location is reported in logs.
func NewSQLiteBackend(db *gorm.DB, location string) (*SQLiteBackend, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &SQLiteBackend{db: db, location: location}, nil
}

// Location returns the database path.
func (b *SQLiteBackend) Location() string {
	return b.location
}

// Load returns every stored row in snapshot order. An empty table is an absent snapshot.
func (b *SQLiteBackend) Load(ctx context.Context) (Snapshot, error) {
	var stored []database.SnapshotRow
	if err := b.db.WithContext(ctx).Order("position ASC").Find(&stored).Error; err != nil {
		return Absent(), newStoreError(opLoad, "query_failed", err)
	}
	if len(stored) == 0 {
		return Absent(), nil
	}

	rows := make([]records.Record, 0, len(stored))
	for _, row := range stored {
		rows = append(rows, records.Record{
			ID:         row.RecordID,
			GPS:        row.GPS,
			Address:    row.Address,
			Message:    row.Message,
			ImageURL:   row.ImageURL,
			Annotation: annotationFromColumns(row.AnnotationState, row.Annotation),
		})
	}
	return Snapshot{Rows: rows, Present: true}, nil
}

// Save replaces the table content inside one transaction.
func (b *SQLiteBackend) Save(ctx context.Context, rows []records.Record) error {
	stored := make([]database.SnapshotRow, 0, len(rows))
	for position, row := range rows {
		annotation := row.Annotation.OrPending()
		stored = append(stored, database.SnapshotRow{
			RecordID:        row.Key(),
			Position:        position,
			GPS:             row.GPS,
			Address:         row.Address,
			Message:         row.Message,
			ImageURL:        row.ImageURL,
			AnnotationState: annotation.State().String(),
			Annotation:      annotation.Text(),
		})
	}

	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&database.SnapshotRow{}).Error; err != nil {
			return newStoreError(opSave, "clear_failed", err)
		}
		if len(stored) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&stored, saveBatchSize).Error; err != nil {
			return newStoreError(opSave, "insert_failed", err)
		}
		return nil
	})
}

func annotationFromColumns(state, text string) records.Annotation {
	switch records.ParseAnnotationState(state) {
	case records.AnnotationResolved:
		return records.ResolvedAnnotation(text)
	case records.AnnotationPending:
		return records.PendingAnnotation()
	default:
		return records.ParseAnnotation(text)
	}
}
