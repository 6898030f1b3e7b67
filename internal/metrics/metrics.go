package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kerbtrack"

// Metrics holds the collectors shared by the ingestion and persist pipeline.
type Metrics struct {
	RecordsIngested   prometheus.Counter
	DecodeFailures    prometheus.Counter
	PersistTriggers   *prometheus.CounterVec
	PersistOutcomes   *prometheus.CounterVec
	StoreAttempts     *prometheus.CounterVec
	PersistDuration   prometheus.Histogram
	SnapshotRows      prometheus.Gauge
	AnnotationsLoaded prometheus.Gauge

	registry *prometheus.Registry
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		RecordsIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Feed messages decoded and appended to the ingestion buffer",
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Feed messages dropped because they could not be decoded",
		}),
		PersistTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_triggers_total",
			Help:      "Change detector decisions that scheduled a persist, by trigger",
		}, []string{"trigger"}),
		PersistOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_outcomes_total",
			Help:      "Completed persist cycles by outcome",
		}, []string{"outcome"}),
		StoreAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_attempts_total",
			Help:      "Durable store attempts by operation and result",
		}, []string{"operation", "result"}),
		PersistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Wall time of a merge and write cycle",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		SnapshotRows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_rows",
			Help:      "Rows in the last written durable snapshot",
		}),
		AnnotationsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "annotations_loaded",
			Help:      "Resolved annotations in the latest reload",
		}),
		registry: registry,
	}
}

// Registry exposes the underlying registry for the HTTP exporter and buffer gauges.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterBufferSize exposes the live buffer length as a gauge.
func (m *Metrics) RegisterBufferSize(length func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "buffer_records",
		Help:      "Records currently held in the ingestion buffer",
	}, func() float64 {
		return float64(length())
	}))
}
