package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

var (
	errMissingWatchPath = errors.New("pipeline: watch path is required")
	errMissingOnChange  = errors.New("pipeline: change callback is required")
)

// WatcherConfig describes a StoreWatcher.
type WatcherConfig struct {
	Path     string
	Debounce time.Duration
	OnChange func()
	Logger   *zap.Logger
}

// StoreWatcher calls OnChange, debounced, whenever the store file is written, created or
// renamed into place. It watches the parent directory so atomic renames are seen.
type StoreWatcher struct {
	path     string
	name     string
	debounce time.Duration
	onChange func()
	logger   *zap.Logger
}

// NewStoreWatcher validates the configuration.
func NewStoreWatcher(cfg WatcherConfig) (*StoreWatcher, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errMissingWatchPath
	}
	if cfg.OnChange == nil {
		return nil, errMissingOnChange
	}
	absolute, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resolve watch path: %w", err)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreWatcher{
		path:     absolute,
		name:     filepath.Base(absolute),
		debounce: debounce,
		onChange: cfg.OnChange,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is done. It returns an error only when the watch cannot be set up.
func (w *StoreWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("pipeline: create watcher: %w", err)
	}
	defer watcher.Close()

	directory := filepath.Dir(w.path)
	if err := watcher.Add(directory); err != nil {
		return fmt.Errorf("pipeline: watch %s: %w", directory, err)
	}
	w.logger.Info("watching store for annotation updates", zap.String("path", w.path))

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != w.name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				w.logger.Debug("store file changed", zap.String("path", w.path))
				w.onChange()
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("store watcher error", zap.Error(err))
		}
	}
}
