// Package idempotency deduplicates inbound event handling. A handler claims the event id with a
// conditional insert before doing any work; a second claim for the same id reports a duplicate.
package idempotency

import (
	"context"
	"time"

	"github.com/zoff-tech/order-saga/schema"
)

// DefaultTTL is how long processed event ids are remembered.
const DefaultTTL = 7 * 24 * time.Hour

// Record marks an event id as processed.
type Record struct {
	EventID     string    `json:"event_id" bson:"_id"`
	EventType   string    `json:"event_type" bson:"event_type"`
	AggregateID string    `json:"aggregate_id" bson:"aggregate_id"`
	ProcessedAt time.Time `json:"processed_at" bson:"processed_at"`
	ExpiresAt   time.Time `json:"expires_at" bson:"expires_at"`
}

// NewRecord builds the claim for an event.
func NewRecord(event schema.Event, now time.Time, ttl time.Duration) Record {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	return Record{
		EventID:     event.ID,
		EventType:   event.Type(),
		AggregateID: event.AggregateID,
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
}

// TTL returns the remaining lifetime of the record relative to ProcessedAt.
func (r Record) TTL() time.Duration {
	ttl := r.ExpiresAt.Sub(r.ProcessedAt)
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// Guard is the processed-event store.
//
// TryClaim writes rec only if no record exists for rec.EventID. It returns (true, nil) when the
// claim was written, (false, nil) for a duplicate, and (false, err) with an errs.ErrStorage
// classified error otherwise.
//
// Release removes a claim so a redelivery can run the handler again. It is used only when the
// handler failed with a retryable error.
type Guard interface {
	TryClaim(ctx context.Context, rec Record) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// Purger is implemented by guards whose records are not expired by the backend itself.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
