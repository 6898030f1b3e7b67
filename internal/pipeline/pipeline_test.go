package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/detector"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/ingest"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/metrics"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/realtime"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/records"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type failingBackend struct {
	saves atomic.Int32
}

func (b *failingBackend) Load(context.Context) (store.Snapshot, error) {
	return store.Absent(), nil
}

func (b *failingBackend) Save(context.Context, []records.Record) error {
	b.saves.Add(1)
	return errors.New("file locked by annotator")
}

func (b *failingBackend) Location() string {
	return "locked.xlsx"
}

type fixture struct {
	buffer     *ingest.Buffer
	detector   *detector.Detector
	backend    *store.XLSXBackend
	accessor   *store.Accessor
	dispatcher *realtime.Dispatcher
	metrics    *metrics.Metrics
	writer     *Writer
	now        time.Time
}

func newFixture(t *testing.T, backend store.Backend) *fixture {
	t.Helper()
	f := &fixture{
		buffer:     ingest.NewBuffer(),
		detector:   detector.New(detector.Config{}),
		dispatcher: realtime.NewDispatcher(),
		metrics:    metrics.New(),
		now:        time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC),
	}
	if backend == nil {
		xlsx, err := store.NewXLSXBackend(filepath.Join(t.TempDir(), "mqtt_data.xlsx"))
		if err != nil {
			t.Fatalf("unexpected backend error: %v", err)
		}
		f.backend = xlsx
		backend = xlsx
	}
	accessor, err := store.NewAccessor(store.AccessorConfig{Backend: backend, Attempts: 2, Backoff: time.Millisecond, Metrics: f.metrics})
	if err != nil {
		t.Fatalf("unexpected accessor error: %v", err)
	}
	f.accessor = accessor
	f.writer = f.newWriter(t, zap.NewNop())
	return f
}

func (f *fixture) newWriter(t *testing.T, logger *zap.Logger) *Writer {
	t.Helper()
	writer, err := NewWriter(WriterConfig{
		Buffer:     f.buffer,
		Detector:   f.detector,
		Accessor:   f.accessor,
		Dispatcher: f.dispatcher,
		Metrics:    f.metrics,
		Logger:     logger,
		Clock:      func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("unexpected writer error: %v", err)
	}
	return writer
}

func record(id, address string) records.Record {
	return records.Record{ID: id, GPS: "32.9283° S, 151.7817° E", Address: address, Message: "Kerbside Dump Detected"}
}

func TestNewWriterValidatesDependencies(t *testing.T) {
	if _, err := NewWriter(WriterConfig{}); !errors.Is(err, errMissingBuffer) {
		t.Fatalf("expected missing buffer error, got %v", err)
	}
	if _, err := NewWriter(WriterConfig{Buffer: ingest.NewBuffer()}); !errors.Is(err, errMissingDetector) {
		t.Fatalf("expected missing detector error, got %v", err)
	}
	if _, err := NewWriter(WriterConfig{Buffer: ingest.NewBuffer(), Detector: detector.New(detector.Config{})}); !errors.Is(err, errMissingAccessor) {
		t.Fatalf("expected missing accessor error, got %v", err)
	}
}

func TestTickQueuesAndCoalesces(t *testing.T) {
	f := newFixture(t, nil)

	if trigger := f.writer.Tick(); trigger != detector.TriggerNone {
		t.Fatalf("empty buffer must not trigger, got %s", trigger)
	}
	if len(f.writer.queue) != 0 {
		t.Fatalf("expected empty queue")
	}

	f.buffer.Append(record("1", "Main St"))
	if trigger := f.writer.Tick(); trigger != detector.TriggerGrowth {
		t.Fatalf("expected growth trigger, got %s", trigger)
	}
	f.buffer.Append(record("2", "North St"))
	f.writer.Tick()

	if len(f.writer.queue) != 1 {
		t.Fatalf("expected requests to coalesce into one, got %d", len(f.writer.queue))
	}
	if got := testutil.ToFloat64(f.metrics.PersistTriggers.WithLabelValues("growth")); got != 2 {
		t.Fatalf("expected 2 growth triggers counted, got %v", got)
	}
}

func TestPersistMergesAndCommits(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe := f.dispatcher.Subscribe(ctx)
	defer unsubscribe()

	f.buffer.Append(record("2", "North St"))
	f.buffer.Append(record("1", "Main St"))
	f.buffer.Append(record("2", "North St, corrected"))

	if err := f.writer.Persist(ctx, detector.TriggerGrowth); err != nil {
		t.Fatalf("unexpected persist error: %v", err)
	}

	snapshot, err := f.backend.Load(ctx)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(snapshot.Rows) != 2 || snapshot.Rows[0].ID != "1" || snapshot.Rows[1].Address != "North St, corrected" {
		t.Fatalf("unexpected stored rows %#v", snapshot.Rows)
	}
	if snapshot.Rows[0].Annotation.State() != records.AnnotationPending {
		t.Fatalf("expected new rows to be pending, got %s", snapshot.Rows[0].Annotation.State())
	}

	if decision := f.detector.Evaluate(f.buffer.Snapshot(), f.now.Add(time.Second)); decision.Persist() {
		t.Fatalf("expected committed mark to suppress triggers, got %s", decision.Trigger)
	}

	select {
	case event := <-events:
		if event.EventType != realtime.EventRecordsPersisted || event.Count != 2 || event.Trigger != "growth" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected persisted event")
	}
}

func TestPersistKeepsOutOfBandAnnotations(t *testing.T) {
	f := newFixture(t, nil)
	annotated := record("7", "Hunter St")
	annotated.Annotation = records.ResolvedAnnotation("graffiti")
	if err := f.backend.Save(context.Background(), []records.Record{annotated, record("9", "King St")}); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	f.buffer.Append(record("7", "Hunter St"))
	if err := f.writer.Persist(context.Background(), detector.TriggerGrowth); err != nil {
		t.Fatalf("unexpected persist error: %v", err)
	}

	snapshot, _ := f.backend.Load(context.Background())
	if len(snapshot.Rows) != 2 {
		t.Fatalf("expected carried-forward row to survive, got %d rows", len(snapshot.Rows))
	}
	if snapshot.Rows[0].ID != "7" || snapshot.Rows[0].Annotation.Text() != "graffiti" {
		t.Fatalf("expected annotation to be preserved, got %#v", snapshot.Rows[0])
	}
}

func TestPersistFailureLeavesDetectorUncommitted(t *testing.T) {
	backend := &failingBackend{}
	f := newFixture(t, backend)
	core, logs := observer.New(zapcore.InfoLevel)
	f.writer = f.newWriter(t, zap.New(core))

	f.buffer.Append(record("1", "Main St"))
	err := f.writer.Persist(context.Background(), detector.TriggerGrowth)
	if !errors.Is(err, store.ErrRetriesExhausted) {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
	if backend.saves.Load() != 2 {
		t.Fatalf("expected 2 save attempts, got %d", backend.saves.Load())
	}
	if f.buffer.Len() != 1 {
		t.Fatalf("buffer must be untouched by a failed persist")
	}
	if trigger := f.writer.Tick(); trigger != detector.TriggerGrowth {
		t.Fatalf("expected the next tick to fire again, got %s", trigger)
	}
	if logs.FilterMessage("save skipped this cycle").Len() != 1 {
		t.Fatalf("expected skip to be logged, got %v", logs.All())
	}
	if got := testutil.ToFloat64(f.metrics.PersistOutcomes.WithLabelValues(outcomeSkipped)); got != 1 {
		t.Fatalf("expected skipped outcome counted, got %v", got)
	}
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.writer.Run(ctx)
		close(done)
	}()

	f.buffer.Append(record("1", "Main St"))
	f.writer.Tick()

	deadline := time.Now().Add(2 * time.Second)
	for f.detector.Committed().Size != 1 {
		if time.Now().After(deadline) {
			t.Fatal("expected queued persist to run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected writer to stop after cancel")
	}
}

func TestFlushPersistsOutstandingRecords(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.writer.Flush(time.Second); err != nil {
		t.Fatalf("flush of empty buffer should be a no-op: %v", err)
	}
	if _, err := os.Stat(f.backend.Location()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no store file for empty flush")
	}

	f.buffer.Append(record("3", "Beaumont St"))
	if err := f.writer.Flush(time.Second); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	snapshot, _ := f.backend.Load(context.Background())
	if len(snapshot.Rows) != 1 || snapshot.Rows[0].ID != "3" {
		t.Fatalf("unexpected flushed rows %#v", snapshot.Rows)
	}
}

func TestAnnotationsReloadTracksVersions(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe := f.dispatcher.Subscribe(ctx)
	defer unsubscribe()

	annotations, err := NewAnnotations(AnnotationsConfig{Accessor: f.accessor, Dispatcher: f.dispatcher, Metrics: f.metrics})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if annotations.Reload(ctx) {
		t.Fatalf("absent store should not change an empty map")
	}

	annotated := record("7", "Hunter St")
	annotated.Annotation = records.ResolvedAnnotation("graffiti")
	if err := f.backend.Save(ctx, []records.Record{annotated, record("8", "King St")}); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	if !annotations.Reload(ctx) {
		t.Fatalf("expected reload to report a change")
	}
	if text, ok := annotations.Lookup("7"); !ok || text != "graffiti" {
		t.Fatalf("unexpected lookup (%q, %v)", text, ok)
	}
	if _, ok := annotations.Lookup("8"); ok {
		t.Fatalf("pending rows must not appear in the annotation map")
	}
	values, version := annotations.Current()
	if version != 1 || len(values) != 1 {
		t.Fatalf("unexpected current state %v at version %d", values, version)
	}
	if annotations.Reload(ctx) {
		t.Fatalf("unchanged store must not bump the version")
	}

	select {
	case event := <-events:
		if event.EventType != realtime.EventAnnotationsReloaded || event.Count != 1 {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected reload event")
	}
}

type scriptedBackend struct {
	loads []func() (store.Snapshot, error)
}

func (b *scriptedBackend) Load(context.Context) (store.Snapshot, error) {
	next := b.loads[0]
	if len(b.loads) > 1 {
		b.loads = b.loads[1:]
	}
	return next()
}

func (b *scriptedBackend) Save(context.Context, []records.Record) error {
	return nil
}

func (b *scriptedBackend) Location() string {
	return "scripted.xlsx"
}

func TestAnnotationsReloadKeepsMapOnTransientFailure(t *testing.T) {
	annotated := record("7", "Hunter St")
	annotated.Annotation = records.ResolvedAnnotation("graffiti")
	backend := &scriptedBackend{loads: []func() (store.Snapshot, error){
		func() (store.Snapshot, error) {
			return store.Snapshot{Rows: []records.Record{annotated}, Present: true}, nil
		},
		func() (store.Snapshot, error) {
			return store.Absent(), errors.New("file locked by annotator")
		},
		func() (store.Snapshot, error) {
			return store.Absent(), errors.Join(store.ErrCorrupt, errors.New("zip: not a valid zip file"))
		},
	}}
	f := newFixture(t, backend)
	core, logs := observer.New(zapcore.WarnLevel)
	ctx := context.Background()

	annotations, err := NewAnnotations(AnnotationsConfig{Accessor: f.accessor, Dispatcher: f.dispatcher, Metrics: f.metrics, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if !annotations.Reload(ctx) {
		t.Fatalf("expected first reload to load the annotation")
	}

	if annotations.Reload(ctx) {
		t.Fatalf("a failed read must not change the annotation map")
	}
	if text, ok := annotations.Lookup("7"); !ok || text != "graffiti" {
		t.Fatalf("expected previous annotation to survive a failed read, got (%q, %v)", text, ok)
	}
	if _, version := annotations.Current(); version != 1 {
		t.Fatalf("expected version to stay at 1, got %d", version)
	}
	if logs.FilterMessage("annotation reload failed, keeping previous annotations").Len() != 1 {
		t.Fatalf("expected a warning for the failed reload, got %v", logs.All())
	}

	if !annotations.Reload(ctx) {
		t.Fatalf("a corrupt store should clear the annotation map")
	}
	if values, version := annotations.Current(); len(values) != 0 || version != 2 {
		t.Fatalf("unexpected state after corrupt read %v at version %d", values, version)
	}
}

func TestArchiverCopiesSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	dir := filepath.Join(t.TempDir(), "archive")
	archiver, err := NewArchiver(ArchiverConfig{Accessor: f.accessor, Dir: dir, Clock: func() time.Time { return f.now }})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	path, err := archiver.Archive(context.Background())
	if err != nil || path != "" {
		t.Fatalf("expected nothing archived for absent store, got %q, %v", path, err)
	}

	if err := f.backend.Save(context.Background(), []records.Record{record("1", "Main St")}); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}
	path, err = archiver.Archive(context.Background())
	if err != nil {
		t.Fatalf("unexpected archive error: %v", err)
	}
	if filepath.Base(path) != "snapshot-20261014T090000Z.xlsx" {
		t.Fatalf("unexpected archive path %s", path)
	}
	copied, _ := store.NewXLSXBackend(path)
	snapshot, err := copied.Load(context.Background())
	if err != nil || len(snapshot.Rows) != 1 {
		t.Fatalf("unexpected archived snapshot %+v, %v", snapshot, err)
	}
}

func TestSchedulerRunsIntervalJobs(t *testing.T) {
	scheduler, err := NewScheduler(nil)
	if err != nil {
		t.Fatalf("unexpected scheduler error: %v", err)
	}
	var runs atomic.Int32
	if err := scheduler.Every(JobPersistTick, 20*time.Millisecond, func() { runs.Add(1) }); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	scheduler.Start()
	defer scheduler.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least two runs, got %d", runs.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSchedulerRejectsBadJobs(t *testing.T) {
	scheduler, err := NewScheduler(nil)
	if err != nil {
		t.Fatalf("unexpected scheduler error: %v", err)
	}
	defer scheduler.Shutdown()

	if err := scheduler.Every(JobPersistTick, 0, func() {}); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if err := scheduler.Every(JobPersistTick, time.Second, nil); !errors.Is(err, errMissingTask) {
		t.Fatalf("expected missing task error, got %v", err)
	}
	if err := scheduler.Cron(JobSnapshotArchive, "every tuesday", func() {}); err == nil {
		t.Fatalf("expected error for invalid cron expression")
	}
	for _, expression := range []string{"0 3 * * *", "@hourly", "@daily", "@every 90m"} {
		if err := scheduler.Cron(JobSnapshotArchive+"-"+expression, expression, func() {}); err != nil {
			t.Fatalf("unexpected error for valid cron expression %q: %v", expression, err)
		}
	}
}

func TestStoreWatcherDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mqtt_data.xlsx")
	var changes atomic.Int32
	watcher, err := NewStoreWatcher(WatcherConfig{Path: path, Debounce: 30 * time.Millisecond, OnChange: func() { changes.Add(1) }})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = watcher.Run(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write unrelated file: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("rewrite"), 0o644); err != nil {
			t.Fatalf("failed to write store file: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for changes.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected change callback")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	if got := changes.Load(); got != 1 {
		t.Fatalf("expected writes to debounce into one callback, got %d", got)
	}
}

func TestNewStoreWatcherValidation(t *testing.T) {
	if _, err := NewStoreWatcher(WatcherConfig{OnChange: func() {}}); !errors.Is(err, errMissingWatchPath) {
		t.Fatalf("expected missing path error, got %v", err)
	}
	if _, err := NewStoreWatcher(WatcherConfig{Path: "mqtt_data.xlsx"}); !errors.Is(err, errMissingOnChange) {
		t.Fatalf("expected missing callback error, got %v", err)
	}
}
