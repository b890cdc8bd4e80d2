package store

import (
	"fmt"
	"time"

	"github.com/zoff-tech/order-saga/schema"
)

// Message headers set on every published outbox event.
const (
	HeaderEventID     = "event_id"
	HeaderEventType   = "event_type"
	HeaderAggregateID = "aggregate_id"
)

// OutboxEvent represents an event stored in the outbox table.
type OutboxEvent struct {
	ID          string     `json:"id"`
	AggregateID string     `json:"aggregate_id"`
	EventType   string     `json:"event_type"`
	Payload     []byte     `json:"payload"` // schema.Envelope JSON
	Published   bool       `json:"published"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// NewOutboxEvent serializes a domain event for the outbox.
func NewOutboxEvent(event schema.Event, createdAt time.Time, retention time.Duration) (OutboxEvent, error) {
	payload, err := event.Marshal()
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("failed to serialize event %s: %w", event.ID, err)
	}
	if retention <= 0 {
		retention = DefaultOutboxRetention
	}
	createdAt = createdAt.UTC()
	return OutboxEvent{
		ID:          event.ID,
		AggregateID: event.AggregateID,
		EventType:   event.Type(),
		Payload:     payload,
		CreatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(retention),
	}, nil
}

// Headers returns the message headers identifying the event.
func (e OutboxEvent) Headers() map[string]string {
	return map[string]string{
		HeaderEventID:     e.ID,
		HeaderEventType:   e.EventType,
		HeaderAggregateID: e.AggregateID,
	}
}

func outboxEvents(events []schema.Event, createdAt time.Time, retention time.Duration) ([]OutboxEvent, error) {
	out := make([]OutboxEvent, 0, len(events))
	for _, event := range events {
		row, err := NewOutboxEvent(event, createdAt, retention)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}
