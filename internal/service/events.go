package service

import (
	"context"

	"go.uber.org/zap"

	"price-ingest/internal/models"
	"price-ingest/internal/util"
)

// Events receives the structured pipeline events. Implementations must not
// block the pipeline on delivery problems.
type Events interface {
	FileStarted(ctx context.Context, o *models.Outcome)
	FileFinished(ctx context.Context, o *models.Outcome)
	RecordsRejected(ctx context.Context, o *models.Outcome, rejections []models.ValidationRejection)
}

// maxLoggedRejections bounds the rejection details written to the log
const maxLoggedRejections = 20

// LogEvents writes pipeline events to the structured log
type LogEvents struct {
	logger *zap.Logger
}

func NewLogEvents() *LogEvents {
	return &LogEvents{logger: util.GetLogger()}
}

func (l *LogEvents) FileStarted(_ context.Context, o *models.Outcome) {
	l.logger.Info("File started",
		zap.String("run_id", o.RunID),
		zap.Int64("file_id", o.FileID),
		zap.String("retailer", o.Retailer),
		zap.String("file_name", o.FileName),
		zap.Time("publication_date", o.PublicationDate))
}

func (l *LogEvents) FileFinished(_ context.Context, o *models.Outcome) {
	fields := []zap.Field{
		zap.String("run_id", o.RunID),
		zap.Int64("file_id", o.FileID),
		zap.String("retailer", o.Retailer),
		zap.String("file_name", o.FileName),
		zap.String("status", string(o.Status)),
		zap.Int("members", o.Members),
		zap.Int("rows_seen", o.RowsSeen),
		zap.Int("rows_rejected", o.RowsRejected),
		zap.Any("rejected_by_rule", o.RejectedByRule),
		zap.Int("inserted", o.Inserted),
		zap.Int("superseded", o.Superseded),
		zap.Int("duplicates", o.Duplicates),
		zap.Int("collapsed", o.Collapsed),
		zap.Int("reconcile_errors", len(o.ReconcileErrors)),
		zap.Duration("duration", o.Duration),
	}

	switch {
	case o.Skipped:
		l.logger.Info("File skipped", append(fields, zap.String("reason", o.Error))...)
	case o.Status == models.FileStatusFailed:
		l.logger.Error("File failed", append(fields, zap.String("error", o.Error))...)
	case o.Status == models.FileStatusReconciledWithWarnings:
		l.logger.Warn("File finished with warnings", fields...)
	default:
		l.logger.Info("File finished", fields...)
	}
}

func (l *LogEvents) RecordsRejected(_ context.Context, o *models.Outcome, rejections []models.ValidationRejection) {
	for i, r := range rejections {
		if i == maxLoggedRejections {
			l.logger.Warn("Further rejections omitted",
				zap.Int64("file_id", o.FileID),
				zap.Int("omitted", len(rejections)-maxLoggedRejections))
			return
		}
		l.logger.Warn("Record rejected",
			zap.Int64("file_id", o.FileID),
			zap.String("retailer", o.Retailer),
			zap.String("member", r.Member),
			zap.Int("line", r.Line),
			zap.String("rule", r.Rule),
			zap.String("reason", r.Reason))
	}
}

// MultiEvents fans events out to several sinks
type MultiEvents []Events

func (m MultiEvents) FileStarted(ctx context.Context, o *models.Outcome) {
	for _, e := range m {
		e.FileStarted(ctx, o)
	}
}

func (m MultiEvents) FileFinished(ctx context.Context, o *models.Outcome) {
	for _, e := range m {
		e.FileFinished(ctx, o)
	}
}

func (m MultiEvents) RecordsRejected(ctx context.Context, o *models.Outcome, rejections []models.ValidationRejection) {
	for _, e := range m {
		e.RecordsRejected(ctx, o, rejections)
	}
}
