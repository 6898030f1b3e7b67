// Package store reads and writes the durable snapshot and serialises writers.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/records"
)

var (
	// ErrCorrupt marks a store whose content cannot be interpreted as a snapshot.
	// Callers treat it exactly like a missing snapshot.
	ErrCorrupt = errors.New("store: corrupt snapshot")
	// ErrRetriesExhausted is returned when every write attempt failed.
	ErrRetriesExhausted = errors.New("store: retries exhausted")
)

// Columns is the header row of the durable store, in file order.
var Columns = []string{ColumnID, ColumnGPS, ColumnAddress, ColumnMessage, ColumnImage, ColumnAnnotation}

const (
	ColumnID         = "ID"
	ColumnGPS        = "GPS"
	ColumnAddress    = "Address"
	ColumnMessage    = "Message"
	ColumnImage      = "Image"
	ColumnAnnotation = "Image_Description"
	// legacyColumnImage is the header older workbooks used for the image link.
	legacyColumnImage = "ImageURL"
)

// Snapshot is the durable state as read back from the store.
type Snapshot struct {
	Rows    []records.Record
	Present bool
}

// Absent returns the "no prior snapshot" value.
func Absent() Snapshot {
	return Snapshot{}
}

// Annotations returns the resolved annotations keyed by record id.
func (s Snapshot) Annotations() map[string]string {
	annotations := make(map[string]string)
	for _, row := range s.Rows {
		if row.Annotation.IsResolved() {
			annotations[row.Key()] = row.Annotation.Text()
		}
	}
	return annotations
}

// Backend persists whole snapshots. Load returns Absent for a missing store and an
// ErrCorrupt-wrapped error for unreadable content.
type Backend interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, rows []records.Record) error
	Location() string
}

// Error carries a stable "<operation>.<reason>" code alongside the cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *Error) Code() string {
	return e.code
}

const (
	opLoad   = "store.load"
	opSave   = "store.save"
	opUpdate = "store.update"
	opWrite  = "store.write"
	opRead   = "store.read"
)

func newStoreError(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func corrupt(operation, reason string, cause error) error {
	if cause == nil {
		return newStoreError(operation, reason, ErrCorrupt)
	}
	return newStoreError(operation, reason, fmt.Errorf("%w: %v", ErrCorrupt, cause))
}
