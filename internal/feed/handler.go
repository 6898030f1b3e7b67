package feed

import (
	"context"
	"errors"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/ingest"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/metrics"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/records"
	"go.uber.org/zap"
)

var errMissingBuffer = errors.New("feed: ingestion buffer is required")

// MessageFunc receives one raw message delivered on a topic.
type MessageFunc func(topic string, payload []byte)

// Source delivers raw feed messages until Close is called or the context ends.
type Source interface {
	Start(ctx context.Context, onMessage MessageFunc) error
	Close() error
}

// HandlerConfig describes the dependencies of a Handler.
type HandlerConfig struct {
	Buffer  *ingest.Buffer
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Handler decodes feed messages and appends them to the ingestion buffer.
type Handler struct {
	buffer  *ingest.Buffer
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHandler validates the configuration and builds a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Buffer == nil {
		return nil, errMissingBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Handler{buffer: cfg.Buffer, metrics: m, logger: logger}, nil
}

// HandleMessage decodes one payload. Malformed payloads are logged and dropped.
func (h *Handler) HandleMessage(topic string, payload []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			h.metrics.DecodeFailures.Inc()
			h.logger.Error("feed message handler panicked", zap.String("topic", topic), zap.Any("panic", recovered))
		}
	}()

	record, err := records.Decode(payload)
	if err != nil {
		h.metrics.DecodeFailures.Inc()
		h.logger.Warn("dropping undecodable feed message",
			zap.String("topic", topic),
			zap.Int("bytes", len(payload)),
			zap.Error(err))
		return
	}

	h.buffer.Append(record)
	h.metrics.RecordsIngested.Inc()
	h.logger.Debug("feed message ingested", zap.String("topic", topic), zap.String("record_id", record.ID))
}
