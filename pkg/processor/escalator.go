package processor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/order-saga/pkg/broker"
	"github.com/zoff-tech/order-saga/pkg/logging"
	"github.com/zoff-tech/order-saga/pkg/store"
)

// Escalator alerts operators about an event that exhausted its delivery attempts. An error
// leaves the event unescalated so the next cycle tries again.
type Escalator interface {
	Escalate(ctx context.Context, event store.OutboxEvent) error
}

// DeadLetterEscalator logs the event at error level and, when a topic is set, publishes the
// raw event there.
type DeadLetterEscalator struct {
	publisher broker.MessageBroker
	topic     string
	logger    zerolog.Logger
}

func NewDeadLetterEscalator(publisher broker.MessageBroker, topic string, logger zerolog.Logger) *DeadLetterEscalator {
	return &DeadLetterEscalator{publisher: publisher, topic: topic, logger: logger}
}

func (d *DeadLetterEscalator) Escalate(ctx context.Context, event store.OutboxEvent) error {
	d.logger.Error().
		Str(logging.FieldEventID, event.ID).
		Str(logging.FieldEventType, event.EventType).
		Str(logging.FieldAggregateID, event.AggregateID).
		Int("retry_count", event.RetryCount).
		Str("last_error", event.LastError).
		Msg("outbox event exceeded retry ceiling")

	if d.topic == "" || d.publisher == nil {
		return nil
	}
	if err := d.publisher.PublishTo(ctx, d.topic, broker.NewMessage(event)); err != nil {
		return fmt.Errorf("dead-letter event %s: %w", event.ID, err)
	}
	return nil
}
