package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"consistency-checker/internal/models"
	"consistency-checker/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing validation events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishValidationCompleted publishes ValidationCompleted event keyed by test ID
func (ep *EventPublisher) PublishValidationCompleted(ctx context.Context, event *models.ValidationCompletedEvent) error {
	key := fmt.Sprintf("test-%s", event.TestID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onLoadTestCompleted func(context.Context, *models.LoadTestCompletedEvent) error
	logger              *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnLoadTestCompleted registers a handler for LoadTestCompleted events
func (eh *EventHandler) OnLoadTestCompleted(handler func(context.Context, *models.LoadTestCompletedEvent) error) {
	eh.onLoadTestCompleted = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType), zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeLoadTestCompleted:
		if eh.onLoadTestCompleted != nil {
			var event models.LoadTestCompletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal LoadTestCompleted event: %w", err)
			}
			if event.TestID == "" {
				return fmt.Errorf("LoadTestCompleted event %s has no test id", event.EventID)
			}
			return eh.onLoadTestCompleted(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
