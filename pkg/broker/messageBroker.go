package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/store"
)

const tracerName = "order-saga/broker"

// Message is an event as it travels on the bus. Payload is the schema.Envelope JSON.
type Message struct {
	ID      string
	Key     string // aggregate id, used for partitioning and ordering
	Type    string
	Payload []byte
	Headers map[string]string
}

// NewMessage builds the bus message for an outbox row.
func NewMessage(event store.OutboxEvent) Message {
	return Message{
		ID:      event.ID,
		Key:     event.AggregateID,
		Type:    event.EventType,
		Payload: event.Payload,
		Headers: event.Headers(),
	}
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends the message to the configured order events destination. Failures wrap
	// errs.ErrDeliveryFailure.
	Publish(ctx context.Context, msg Message) error
	// PublishTo sends the message to an explicit topic, subject or routing key. It is used for
	// dead letters.
	PublishTo(ctx context.Context, destination string, msg Message) error
	// Close cleans up any resources (connections).
	Close() error
}

// Handler processes one inbound message. A nil error acknowledges it; any error asks the broker
// to deliver it again.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers inbound messages to a handler.
type Subscriber interface {
	// Subscribe blocks until ctx is cancelled or the subscription fails.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// IsBreakerOpen reports whether err was returned without attempting delivery because the
// circuit breaker is open or probing.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func deliveryError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, errs.ErrDeliveryFailure, err)
}

// withTraceHeaders returns a copy of headers carrying the trace context of ctx.
func withTraceHeaders(ctx context.Context, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(out))
	for k, v := range headers {
		out[k] = v
	}
	return out
}

// extractTrace continues the trace carried by inbound headers.
func extractTrace(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// messageFromHeaders fills the identifying fields of an inbound message from its headers.
func messageFromHeaders(payload []byte, headers map[string]string) Message {
	return Message{
		ID:      headers[store.HeaderEventID],
		Key:     headers[store.HeaderAggregateID],
		Type:    headers[store.HeaderEventType],
		Payload: payload,
		Headers: headers,
	}
}
