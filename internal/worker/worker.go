package worker

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"price-ingest/internal/broker"
	"price-ingest/internal/models"
	"price-ingest/internal/util"
)

// Processor runs one source file through the pipeline
type Processor interface {
	Process(ctx context.Context, file *models.SourceFile) (*models.Outcome, error)
}

// Markers remembers content that was already reconciled
type Markers interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, fileID int64) error
}

// IngestWorker turns FileDownloaded events into pipeline runs
type IngestWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	processor    Processor
	markers      Markers
	logger       *zap.Logger
}

// NewIngestWorker creates a new ingest worker. markers may be nil.
func NewIngestWorker(consumer *broker.Consumer, processor Processor, markers Markers) *IngestWorker {
	w := &IngestWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		processor:    processor,
		markers:      markers,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnFileDownloaded(w.HandleFileDownloaded)
	return w
}

// Start starts the worker
func (w *IngestWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting ingest worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *IngestWorker) Stop() error {
	w.logger.Info("Stopping ingest worker")
	return w.consumer.Close()
}

// markerKey uses the canonical retailer code so lookups and writes agree
// however the event spelled it.
func markerKey(retailer, checksum string) string {
	return strings.ToUpper(strings.TrimSpace(retailer)) + ":" + checksum
}

// HandleFileDownloaded processes the announced file. Content already
// reconciled under the same checksum is acknowledged without a rerun.
func (w *IngestWorker) HandleFileDownloaded(ctx context.Context, event *models.FileDownloadedEvent) error {
	logger := w.logger.With(
		zap.String("retailer", event.Retailer),
		zap.String("file", event.FileName),
		zap.String("event_id", event.EventID))

	if w.markers != nil && event.Checksum != "" {
		done, err := w.markers.IsProcessed(ctx, markerKey(event.Retailer, event.Checksum))
		if err != nil {
			logger.Warn("Processed marker lookup failed", zap.Error(err))
		} else if done {
			logger.Info("File already processed, skipping")
			return nil
		}
	}

	file := &models.SourceFile{
		Retailer:        event.Retailer,
		FileName:        event.FileName,
		Path:            event.Path,
		Format:          event.Format,
		PublicationDate: event.PublicationDate,
		Checksum:        event.Checksum,
	}

	outcome, err := w.processor.Process(ctx, file)
	if err != nil {
		logger.Error("Failed to process file", zap.Error(err))
		return err
	}

	switch outcome.Status {
	case models.FileStatusReconciled, models.FileStatusReconciledWithWarnings:
	default:
		return nil
	}
	if w.markers == nil || file.Checksum == "" {
		return nil
	}
	if err := w.markers.MarkProcessed(ctx, markerKey(outcome.Retailer, file.Checksum), outcome.FileID); err != nil {
		logger.Warn("Failed to write processed marker", zap.Error(err))
	}
	return nil
}
