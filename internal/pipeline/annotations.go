package pipeline

import (
	"context"
	"maps"
	"sync"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/metrics"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/realtime"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/store"
	"go.uber.org/zap"
)

// AnnotationsConfig describes the dependencies of Annotations.
type AnnotationsConfig struct {
	Accessor   *store.Accessor
	Dispatcher *realtime.Dispatcher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Annotations holds the latest resolved annotations read back from the store, keyed by
// record id. The version increases every time the content changes.
type Annotations struct {
	accessor   *store.Accessor
	dispatcher *realtime.Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      sync.RWMutex
	values  map[string]string
	version uint64
}

// NewAnnotations builds an empty holder; call Reload to populate it.
func NewAnnotations(cfg AnnotationsConfig) (*Annotations, error) {
	if cfg.Accessor == nil {
		return nil, errMissingAccessor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Annotations{
		accessor:   cfg.Accessor,
		dispatcher: cfg.Dispatcher,
		metrics:    m,
		logger:     logger,
		values:     map[string]string{},
	}, nil
}

// Reload reads the store and swaps in the new annotation map. It reports whether the
// content changed. A missing or corrupt store yields an empty map; a failed read keeps
// the previous map until the next reload.
func (a *Annotations) Reload(ctx context.Context) bool {
	snapshot, err := a.accessor.Load(ctx)
	if err != nil {
		a.logger.Warn("annotation reload failed, keeping previous annotations", zap.Error(err))
		return false
	}
	loaded := snapshot.Annotations()
	a.metrics.AnnotationsLoaded.Set(float64(len(loaded)))

	a.mu.Lock()
	if maps.Equal(a.values, loaded) {
		a.mu.Unlock()
		return false
	}
	a.values = loaded
	a.version++
	version := a.version
	a.mu.Unlock()

	a.logger.Debug("annotations reloaded", zap.Int("annotations", len(loaded)), zap.Uint64("version", version))
	if a.dispatcher != nil {
		a.dispatcher.Publish(realtime.Message{EventType: realtime.EventAnnotationsReloaded, Count: len(loaded)})
	}
	return true
}

// Lookup returns the resolved annotation for id.
func (a *Annotations) Lookup(id string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	text, ok := a.values[id]
	return text, ok
}

// Current returns the annotation map and its version. The map must not be modified.
func (a *Annotations) Current() (map[string]string, uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.values, a.version
}
