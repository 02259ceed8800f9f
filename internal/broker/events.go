package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"price-ingest/internal/models"
	"price-ingest/internal/util"
)

// maxRejectionsPerEvent bounds the rejection details of one message
const maxRejectionsPerEvent = 500

// EventPublisher publishes pipeline events. Delivery failures are logged and
// never fail the pipeline.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer, logger: util.GetLogger()}
}

func newBase(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func fileKey(retailer string, fileID int64) string {
	return fmt.Sprintf("%s-%d", retailer, fileID)
}

// PublishFileDownloaded announces a file ready for ingestion
func (ep *EventPublisher) PublishFileDownloaded(ctx context.Context, event *models.FileDownloadedEvent) error {
	if event.EventID == "" {
		event.BaseEvent = newBase(models.EventTypeFileDownloaded)
	}
	return ep.producer.PublishEvent(ctx, event.Retailer+"-"+event.FileName, event)
}

func (ep *EventPublisher) FileStarted(ctx context.Context, o *models.Outcome) {
	event := &models.FileStartedEvent{
		BaseEvent:       newBase(models.EventTypeFileStarted),
		RunID:           o.RunID,
		FileID:          o.FileID,
		Retailer:        o.Retailer,
		FileName:        o.FileName,
		PublicationDate: o.PublicationDate,
	}
	ep.publish(ctx, fileKey(o.Retailer, o.FileID), event)
}

func (ep *EventPublisher) FileFinished(ctx context.Context, o *models.Outcome) {
	event := &models.FileFinishedEvent{
		BaseEvent: newBase(models.EventTypeFileFinished),
		Outcome:   o,
	}
	ep.publish(ctx, fileKey(o.Retailer, o.FileID), event)
}

func (ep *EventPublisher) RecordsRejected(ctx context.Context, o *models.Outcome, rejections []models.ValidationRejection) {
	for start := 0; start < len(rejections); start += maxRejectionsPerEvent {
		end := min(start+maxRejectionsPerEvent, len(rejections))
		event := &models.RecordsRejectedEvent{
			BaseEvent:  newBase(models.EventTypeRecordsRejected),
			RunID:      o.RunID,
			FileID:     o.FileID,
			Retailer:   o.Retailer,
			Rejections: rejections[start:end],
		}
		ep.publish(ctx, fileKey(o.Retailer, o.FileID), event)
	}
}

func (ep *EventPublisher) publish(ctx context.Context, key string, event interface{}) {
	if err := ep.producer.PublishEvent(ctx, key, event); err != nil {
		ep.logger.Error("Failed to publish event", zap.String("key", key), zap.Error(err))
	}
}

// EventHandler routes incoming messages by event type
type EventHandler struct {
	onFileDownloaded func(context.Context, *models.FileDownloadedEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnFileDownloaded registers a handler for FileDownloaded events
func (eh *EventHandler) OnFileDownloaded(handler func(context.Context, *models.FileDownloadedEvent) error) {
	eh.onFileDownloaded = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeFileDownloaded:
		if eh.onFileDownloaded != nil {
			var event models.FileDownloadedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal FileDownloaded event: %w", err)
			}
			return eh.onFileDownloaded(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
