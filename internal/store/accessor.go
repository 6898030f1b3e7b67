package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/metrics"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/records"
	"go.uber.org/zap"
)

const (
	// DefaultAttempts bounds the tries per write.
	DefaultAttempts = 3
	// DefaultBackoff is the fixed pause between attempts.
	DefaultBackoff = time.Second
)

var errMissingBackend = errors.New("store: backend is required")

// UpdateFunc builds the rows to write from the snapshot currently in the store.
type UpdateFunc func(existing Snapshot) ([]records.Record, error)

// AccessorConfig describes the dependencies of an Accessor.
type AccessorConfig struct {
	Backend  Backend
	Attempts int
	Backoff  time.Duration
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Accessor wraps a Backend with bounded retry and a single-writer lock.
type Accessor struct {
	backend  Backend
	attempts int
	backoff  time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
	writeMu  sync.Mutex
}

// NewAccessor validates the configuration and applies defaults.
func NewAccessor(cfg AccessorConfig) (*Accessor, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Accessor{
		backend:  cfg.Backend,
		attempts: attempts,
		backoff:  backoff,
		metrics:  m,
		logger:   logger.With(zap.String("store", cfg.Backend.Location())),
	}, nil
}

// Location returns the backend location.
func (a *Accessor) Location() string {
	return a.backend.Location()
}

// Load returns the stored snapshot. A corrupt store reads as absent; any other failure
// is returned so callers can keep what they already hold.
func (a *Accessor) Load(ctx context.Context) (Snapshot, error) {
	snapshot, err := a.backend.Load(ctx)
	if err != nil {
		a.metrics.StoreAttempts.WithLabelValues("read", "failed").Inc()
		if errors.Is(err, ErrCorrupt) {
			a.logger.Warn("stored snapshot is corrupt, treating as no prior snapshot", zap.Error(err))
			return Absent(), nil
		}
		return Absent(), newStoreError(opRead, "load_failed", err)
	}
	a.metrics.StoreAttempts.WithLabelValues("read", "ok").Inc()
	return snapshot, nil
}

// Read returns the stored snapshot. It never fails: unreadable and corrupt stores
// read as absent.
func (a *Accessor) Read(ctx context.Context) Snapshot {
	snapshot, err := a.Load(ctx)
	if err != nil {
		a.logger.Warn("store read failed, treating as no prior snapshot", zap.Error(err))
		return Absent()
	}
	return snapshot
}

// Update performs load, build and save as one attempt, retried as a whole. A corrupt
// store is handed to build as absent so a fresh snapshot replaces it.
func (a *Accessor) Update(ctx context.Context, build UpdateFunc) error {
	if build == nil {
		return newStoreError(opUpdate, "missing_builder", errors.New("update func is required"))
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	return a.retry(ctx, opUpdate, func() error {
		existing, err := a.backend.Load(ctx)
		if err != nil {
			if !errors.Is(err, ErrCorrupt) {
				return err
			}
			a.logger.Warn("existing snapshot is corrupt, writing a fresh one", zap.Error(err))
			existing = Absent()
		}
		rows, err := build(existing)
		if err != nil {
			return err
		}
		return a.backend.Save(ctx, rows)
	})
}

// Write replaces the stored snapshot without reading it first.
func (a *Accessor) Write(ctx context.Context, rows []records.Record) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	return a.retry(ctx, opWrite, func() error {
		return a.backend.Save(ctx, rows)
	})
}

func (a *Accessor) retry(ctx context.Context, operation string, attempt func() error) error {
	label := operation[len("store."):]
	var lastErr error
	for try := 1; try <= a.attempts; try++ {
		lastErr = attempt()
		if lastErr == nil {
			a.metrics.StoreAttempts.WithLabelValues(label, "ok").Inc()
			return nil
		}
		a.metrics.StoreAttempts.WithLabelValues(label, "failed").Inc()
		a.logger.Warn("store attempt failed",
			zap.String("operation", operation),
			zap.Int("attempt", try),
			zap.Int("max_attempts", a.attempts),
			zap.Error(lastErr))

		if try == a.attempts {
			break
		}
		if err := sleepContext(ctx, a.backoff); err != nil {
			return newStoreError(operation, "cancelled", fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr))
		}
	}
	return newStoreError(operation, "retries_exhausted", fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, a.attempts, lastErr))
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
