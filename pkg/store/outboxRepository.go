package store

import (
	"context"
	"time"

	"github.com/zoff-tech/order-saga/pkg/order"
)

const (
	// DefaultOutboxRetention is how long outbox rows are kept, published or not.
	DefaultOutboxRetention = 14 * 24 * time.Hour
	// DefaultMaxRetries is the delivery attempt ceiling after which an event is escalated.
	DefaultMaxRetries = 5
)

// OrderStore persists orders together with their pending events.
type OrderStore interface {
	// SaveWithEvents writes the order row and every pending event in one atomic unit. New
	// orders are inserted, existing ones updated only if the stored version matches. A version
	// mismatch or duplicate insert yields errs.ErrStorageConflict. On success the order version
	// is advanced and its pending events cleared.
	SaveWithEvents(ctx context.Context, o *order.Order) error
	// Load returns errs.ErrNotFound when the order does not exist.
	Load(ctx context.Context, orderID string) (order.Snapshot, error)
}

// OutboxStore exposes outbox rows to the relay.
type OutboxStore interface {
	// ListUnpublished returns unpublished events below the retry ceiling, oldest first.
	ListUnpublished(ctx context.Context, limit, maxRetries int) ([]OutboxEvent, error)
	// MarkPublished is idempotent; the first publish time wins.
	MarkPublished(ctx context.Context, eventID string, at time.Time) error
	// IncrementRetry adds one failed attempt and records the error.
	IncrementRetry(ctx context.Context, eventID string, lastErr string) error
	// ListFailed returns unpublished events at or above the retry ceiling.
	ListFailed(ctx context.Context, maxRetries int) ([]OutboxEvent, error)
	// MarkEscalated records that operators were alerted about the events.
	MarkEscalated(ctx context.Context, eventIDs []string, at time.Time) error
	// PurgeExpired deletes rows past their retention and returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Repository is a complete order and outbox backend.
type Repository interface {
	OrderStore
	OutboxStore
	Close() error
}
