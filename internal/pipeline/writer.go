// Package pipeline drives the periodic persist cycle: change detection on a tick, a
// single writer that merges the buffer into the durable store, annotation reloads and
// the optional archive job.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/detector"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/ingest"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/merge"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/metrics"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/realtime"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/records"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/store"
	"go.uber.org/zap"
)

const (
	outcomeWritten = "written"
	outcomeSkipped = "skipped"
	outcomeEmpty   = "empty"
)

var (
	errMissingBuffer   = errors.New("pipeline: ingestion buffer is required")
	errMissingDetector = errors.New("pipeline: change detector is required")
	errMissingAccessor = errors.New("pipeline: store accessor is required")
)

// WriterConfig describes the dependencies of a Writer.
type WriterConfig struct {
	Buffer     *ingest.Buffer
	Detector   *detector.Detector
	Accessor   *store.Accessor
	Dispatcher *realtime.Dispatcher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Writer owns the persist queue. The queue holds at most one pending request: the
// writer snapshots the buffer when it runs, so a queued request already covers any
// that arrive after it.
type Writer struct {
	buffer     *ingest.Buffer
	detector   *detector.Detector
	accessor   *store.Accessor
	dispatcher *realtime.Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	clock      func() time.Time
	queue      chan detector.Trigger
}

// NewWriter validates the configuration and builds a Writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Buffer == nil {
		return nil, errMissingBuffer
	}
	if cfg.Detector == nil {
		return nil, errMissingDetector
	}
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
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Writer{
		buffer:     cfg.Buffer,
		detector:   cfg.Detector,
		accessor:   cfg.Accessor,
		dispatcher: cfg.Dispatcher,
		metrics:    m,
		logger:     logger,
		clock:      clock,
		queue:      make(chan detector.Trigger, 1),
	}, nil
}

// Tick evaluates the detector once and queues a persist when a trigger fires. It never
// blocks on the store. The returned trigger is TriggerNone when nothing fired.
func (w *Writer) Tick() detector.Trigger {
	decision := w.detector.Evaluate(w.buffer.Snapshot(), w.clock())
	if !decision.Persist() {
		return detector.TriggerNone
	}
	w.metrics.PersistTriggers.WithLabelValues(string(decision.Trigger)).Inc()
	select {
	case w.queue <- decision.Trigger:
		w.logger.Debug("persist queued", zap.String("trigger", string(decision.Trigger)))
	default:
		w.logger.Debug("persist already queued, coalescing", zap.String("trigger", string(decision.Trigger)))
	}
	return decision.Trigger
}

// Run drains the persist queue until ctx is done.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case trigger := <-w.queue:
			_ = w.Persist(ctx, trigger)
		}
	}
}

// Persist merges the current buffer into the durable store. On failure the detector
// keeps its previous mark so the next tick fires again.
func (w *Writer) Persist(ctx context.Context, trigger detector.Trigger) error {
	snapshot := w.buffer.Snapshot()
	if len(snapshot) == 0 {
		w.metrics.PersistOutcomes.WithLabelValues(outcomeEmpty).Inc()
		return nil
	}
	mark := detector.NewMark(snapshot, w.clock())
	started := time.Now()

	var result merge.Result
	err := w.accessor.Update(ctx, func(existing store.Snapshot) ([]records.Record, error) {
		result = merge.Merge(snapshot, existing.Rows)
		return result.Rows, nil
	})
	w.metrics.PersistDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		w.metrics.PersistOutcomes.WithLabelValues(outcomeSkipped).Inc()
		w.logger.Error("save skipped this cycle",
			zap.String("operation", "pipeline.persist"),
			zap.String("trigger", string(trigger)),
			zap.String("store", w.accessor.Location()),
			zap.Int("buffer_records", len(snapshot)),
			zap.Error(err))
		return err
	}

	w.detector.Commit(mark)
	w.metrics.PersistOutcomes.WithLabelValues(outcomeWritten).Inc()
	w.metrics.SnapshotRows.Set(float64(len(result.Rows)))

	w.logger.Info("snapshot persisted",
		zap.String("trigger", string(trigger)),
		zap.String("store", w.accessor.Location()),
		zap.Int("buffer_records", len(snapshot)),
		zap.Int("rows", len(result.Rows)),
		zap.Int("duplicates_removed", result.Duplicates),
		zap.Int("annotations_preserved", result.Preserved),
		zap.Int("rows_carried_forward", result.CarriedForward))
	if len(result.UnsortableIDs) > 0 {
		w.logger.Warn("record ids are not numeric and were sorted last",
			zap.Strings("record_ids", result.UnsortableIDs))
	}

	if w.dispatcher != nil {
		w.dispatcher.Publish(realtime.Message{
			EventType: realtime.EventRecordsPersisted,
			Count:     len(result.Rows),
			Trigger:   string(trigger),
		})
	}
	return nil
}

// Flush performs the final best-effort persist on shutdown, bounded by timeout. It
// uses its own context so it still runs after the run context is cancelled.
func (w *Writer) Flush(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if w.buffer.Len() == 0 {
		return nil
	}
	if err := w.Persist(ctx, detector.TriggerShutdown); err != nil {
		w.logger.Warn("final flush failed", zap.Duration("timeout", timeout), zap.Error(err))
		return err
	}
	return nil
}
