package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/store"
	"go.uber.org/zap"
)

const archiveTimestampLayout = "20060102T150405Z"

var errMissingArchiveDir = errors.New("pipeline: archive directory is required")

// ArchiverConfig describes an Archiver.
type ArchiverConfig struct {
	Accessor *store.Accessor
	Dir      string
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Archiver copies the durable snapshot into a timestamped workbook.
type Archiver struct {
	accessor *store.Accessor
	dir      string
	logger   *zap.Logger
	clock    func() time.Time
}

// NewArchiver validates the configuration.
func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	if cfg.Accessor == nil {
		return nil, errMissingAccessor
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errMissingArchiveDir
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Archiver{accessor: cfg.Accessor, dir: cfg.Dir, logger: logger, clock: clock}, nil
}

// Archive writes the current snapshot and returns the archive path. Nothing is written
// when the store holds no snapshot yet; the path is then empty.
func (a *Archiver) Archive(ctx context.Context) (string, error) {
	snapshot := a.accessor.Read(ctx)
	if !snapshot.Present {
		a.logger.Debug("no snapshot to archive yet")
		return "", nil
	}

	path := filepath.Join(a.dir, fmt.Sprintf("snapshot-%s.xlsx", a.clock().UTC().Format(archiveTimestampLayout)))
	backend, err := store.NewXLSXBackend(path)
	if err != nil {
		return "", err
	}
	if err := backend.Save(ctx, snapshot.Rows); err != nil {
		a.logger.Warn("snapshot archive failed", zap.String("path", path), zap.Error(err))
		return "", err
	}
	a.logger.Info("snapshot archived", zap.String("path", path), zap.Int("rows", len(snapshot.Rows)))
	return path, nil
}
