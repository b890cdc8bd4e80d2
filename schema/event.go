// Package schema defines the event contracts exchanged between the order service and the
// saga participants, and the JSON envelope they travel in.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zoff-tech/order-saga/pkg/errs"
)

// Event types produced by the order service.
const (
	TypeOrderCreated      = "order.created"
	TypeOrderConfirmed    = "order.confirmed"
	TypeOrderProcessing   = "order.processing"
	TypeOrderCompleted    = "order.completed"
	TypeOrderCancelled    = "order.cancelled"
	TypeOrderItemsChanged = "order.items_changed"
)

// Event types produced by the participants.
const (
	TypeInventoryReserved          = "inventory.reserved"
	TypeInventoryReservationFailed = "inventory.reservation.failed"
	TypePaymentCompleted           = "payment.completed"
)

// Payload is implemented by every event body. The concrete type is the variant tag.
type Payload interface {
	EventType() string
	AggregateRef() string
}

// Event is a decoded event: envelope metadata plus a typed payload.
type Event struct {
	ID          string
	AggregateID string
	OccurredAt  time.Time
	Payload     Payload
}

// Envelope is the wire representation of an Event.
type Envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEvent creates an Event with a fresh time-ordered identifier.
func NewEvent(occurredAt time.Time, payload Payload) Event {
	return Event{
		ID:          uuid.Must(uuid.NewV7()).String(),
		AggregateID: payload.AggregateRef(),
		OccurredAt:  occurredAt.UTC(),
		Payload:     payload,
	}
}

// Type returns the event type tag.
func (e Event) Type() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Marshal encodes the event as an Envelope.
func (e Event) Marshal() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s has no payload: %w", e.ID, errs.ErrValidation)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type(), err)
	}
	return json.Marshal(Envelope{
		ID:          e.ID,
		Type:        e.Type(),
		AggregateID: e.AggregateID,
		OccurredAt:  e.OccurredAt,
		Payload:     body,
	})
}

// Decode parses an Envelope and its typed payload.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("failed to decode envelope: %w", errs.ErrValidation)
	}
	if env.ID == "" {
		return Event{}, fmt.Errorf("envelope has no id: %w", errs.ErrValidation)
	}

	payload, err := newPayload(env.Type)
	if err != nil {
		return Event{}, err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return Event{}, fmt.Errorf("failed to decode %s payload: %w", env.Type, errs.ErrValidation)
		}
	}

	event := Event{
		ID:          env.ID,
		AggregateID: env.AggregateID,
		OccurredAt:  env.OccurredAt,
		Payload:     payload,
	}
	if event.AggregateID == "" {
		event.AggregateID = payload.AggregateRef()
	}
	return event, nil
}

func newPayload(eventType string) (Payload, error) {
	switch eventType {
	case TypeOrderCreated:
		return &OrderCreated{}, nil
	case TypeOrderConfirmed:
		return &OrderConfirmed{}, nil
	case TypeOrderProcessing:
		return &OrderProcessing{}, nil
	case TypeOrderCompleted:
		return &OrderCompleted{}, nil
	case TypeOrderCancelled:
		return &OrderCancelled{}, nil
	case TypeOrderItemsChanged:
		return &OrderItemsChanged{}, nil
	case TypeInventoryReserved:
		return &InventoryReserved{}, nil
	case TypeInventoryReservationFailed:
		return &InventoryReservationFailed{}, nil
	case TypePaymentCompleted:
		return &PaymentCompleted{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownEvent, eventType)
	}
}
