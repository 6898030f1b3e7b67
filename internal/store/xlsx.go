package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/records"
	"github.com/xuri/excelize/v2"
)

const defaultSheet = "Sheet1"

var errMissingPath = errors.New("store: file path is required")

// XLSXBackend keeps the snapshot in a single-sheet workbook that annotators can open directly.
type XLSXBackend struct {
	path string
}

// NewXLSXBackend returns a backend for the workbook at path.
func NewXLSXBackend(path string) (*XLSXBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errMissingPath
	}
	return &XLSXBackend{path: path}, nil
}

// Location returns the workbook path.
func (b *XLSXBackend) Location() string {
	return b.path
}

// Load reads the first sheet of the workbook.
func (b *XLSXBackend) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Absent(), err
	}
	if _, err := os.Stat(b.path); errors.Is(err, fs.ErrNotExist) {
		return Absent(), nil
	} else if err != nil {
		return Absent(), newStoreError(opLoad, "stat_failed", err)
	}

	workbook, err := excelize.OpenFile(b.path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return Absent(), nil
		case errors.Is(err, fs.ErrPermission):
			return Absent(), newStoreError(opLoad, "open_failed", err)
		default:
			return Absent(), corrupt(opLoad, "open_failed", err)
		}
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return Absent(), corrupt(opLoad, "missing_sheet", nil)
	}
	grid, err := workbook.GetRows(sheets[0])
	if err != nil {
		return Absent(), corrupt(opLoad, "read_rows_failed", err)
	}

	rows, err := decodeGrid(grid)
	if err != nil {
		return Absent(), err
	}
	return Snapshot{Rows: rows, Present: true}, nil
}

// Save replaces the workbook. The new content is written to a temporary file in the
// same directory and renamed over the target.
func (b *XLSXBackend) Save(ctx context.Context, rows []records.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	workbook := excelize.NewFile()
	defer workbook.Close()

	header := make([]interface{}, len(Columns))
	for i, column := range Columns {
		header[i] = column
	}
	if err := workbook.SetSheetRow(defaultSheet, "A1", &header); err != nil {
		return newStoreError(opSave, "header_failed", err)
	}
	for index, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, index+2)
		if err != nil {
			return newStoreError(opSave, "cell_name_failed", err)
		}
		values := []interface{}{
			row.ID,
			row.GPS,
			row.Address,
			row.Message,
			row.ImageURL,
			row.Annotation.OrPending().CellValue(),
		}
		if err := workbook.SetSheetRow(defaultSheet, cell, &values); err != nil {
			return newStoreError(opSave, "row_failed", err)
		}
	}

	directory := filepath.Dir(b.path)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return newStoreError(opSave, "mkdir_failed", err)
	}
	temp, err := os.CreateTemp(directory, "."+filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return newStoreError(opSave, "temp_create_failed", err)
	}
	tempPath := temp.Name()
	cleanup := func() {
		_ = temp.Close()
		_ = os.Remove(tempPath)
	}

	if err := workbook.Write(temp); err != nil {
		cleanup()
		return newStoreError(opSave, "write_failed", err)
	}
	if err := temp.Sync(); err != nil {
		cleanup()
		return newStoreError(opSave, "sync_failed", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return newStoreError(opSave, "close_failed", err)
	}
	if err := os.Rename(tempPath, b.path); err != nil {
		_ = os.Remove(tempPath)
		return newStoreError(opSave, "rename_failed", err)
	}
	return nil
}

func decodeGrid(grid [][]string) ([]records.Record, error) {
	if len(grid) == 0 {
		return nil, corrupt(opLoad, "missing_header", nil)
	}

	index := make(map[string]int, len(grid[0]))
	for position, name := range grid[0] {
		index[strings.TrimSpace(name)] = position
	}
	idColumn, ok := index[ColumnID]
	if !ok {
		return nil, corrupt(opLoad, "missing_id_column", fmt.Errorf("header %v", grid[0]))
	}
	imageColumn, ok := index[ColumnImage]
	if !ok {
		imageColumn, ok = index[legacyColumnImage]
	}
	if !ok {
		imageColumn = -1
	}

	cell := func(row []string, column string) string {
		position, ok := index[column]
		if !ok {
			return ""
		}
		return at(row, position)
	}

	rows := make([]records.Record, 0, len(grid)-1)
	for _, row := range grid[1:] {
		id := strings.TrimSpace(at(row, idColumn))
		if id == "" {
			continue
		}
		rows = append(rows, records.Record{
			ID:         id,
			GPS:        cell(row, ColumnGPS),
			Address:    cell(row, ColumnAddress),
			Message:    cell(row, ColumnMessage),
			ImageURL:   at(row, imageColumn),
			Annotation: records.ParseAnnotation(cell(row, ColumnAnnotation)),
		})
	}
	return rows, nil
}

func at(row []string, position int) string {
	if position < 0 || position >= len(row) {
		return ""
	}
	return row[position]
}
