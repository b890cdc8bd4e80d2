package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/api/iterator"
	grpccodes "google.golang.org/grpc/codes"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/order"
)

var (
	orderColumns = []string{
		"id", "customer_id", "items", "total_amount", "currency", "status",
		"cancel_reason", "created_at", "updated_at", "version",
	}
	outboxInsertColumns = []string{
		"id", "aggregate_id", "event_type", "payload", "published", "created_at", "retry_count", "expires_at",
	}
)

const spannerOutboxColumns = `id, aggregate_id, event_type, payload, published, created_at, published_at,
	retry_count, IFNULL(last_error, ''), escalated_at, expires_at`

// SpannerRepository stores orders and outbox events in Cloud Spanner. Outbox rows are also
// removed by the table's row deletion policy on expires_at; PurgeExpired covers databases
// created without it.
type SpannerRepository struct {
	client    *spanner.Client
	clock     clockwork.Clock
	retention time.Duration
}

func NewSpannerRepository(client *spanner.Client, clock clockwork.Clock, retention time.Duration) *SpannerRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retention <= 0 {
		retention = DefaultOutboxRetention
	}
	return &SpannerRepository{client: client, clock: clock, retention: retention}
}

func (s *SpannerRepository) SaveWithEvents(ctx context.Context, o *order.Order) (err error) {
	ctx, span, start := startSpan(ctx, "SaveWithEvents", "spanner")
	defer span.End()

	rows, err := outboxEvents(o.PendingEvents(), s.clock.Now(), s.retention)
	if err != nil {
		return err
	}
	items, err := encodeItems(o.Items())
	if err != nil {
		return err
	}
	next := o.Version() + 1

	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		values := []interface{}{
			o.ID(), o.CustomerID(), string(items), o.Total().Amount.String(), o.Total().Currency,
			string(o.Status()), o.CancelReason(), o.CreatedAt(), o.UpdatedAt(), next,
		}
		mutations := make([]*spanner.Mutation, 0, len(rows)+1)

		if o.IsNew() {
			mutations = append(mutations, spanner.Insert("orders", orderColumns, values))
		} else {
			row, err := txn.ReadRow(ctx, "orders", spanner.Key{o.ID()}, []string{"version"})
			if err != nil {
				return err
			}
			var stored int64
			if err := row.Columns(&stored); err != nil {
				return err
			}
			if stored != o.Version() {
				return fmt.Errorf("order %s version %d is stale (stored %d): %w", o.ID(), o.Version(), stored, errs.ErrStorageConflict)
			}
			mutations = append(mutations, spanner.Update("orders", orderColumns, values))
		}

		for _, row := range rows {
			mutations = append(mutations, spanner.Insert("outbox_events", outboxInsertColumns, []interface{}{
				row.ID, row.AggregateID, row.EventType, row.Payload, false, row.CreatedAt, int64(0), row.ExpiresAt,
			}))
		}
		return txn.BufferWrite(mutations)
	})
	if err != nil {
		err = classifySpanner("save order "+o.ID(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	addDBStatsToSpan(span, "SaveWithEvents", len(rows)+1, time.Since(start))
	o.Committed(next)
	return nil
}

func (s *SpannerRepository) Load(ctx context.Context, orderID string) (order.Snapshot, error) {
	ctx, span, _ := startSpan(ctx, "Load", "spanner")
	defer span.End()

	row, err := s.client.Single().ReadRow(ctx, "orders", spanner.Key{orderID}, orderColumns)
	if err != nil {
		err = classifySpanner("load order "+orderID, err)
		span.RecordError(err)
		return order.Snapshot{}, err
	}

	var (
		snap         order.Snapshot
		items        string
		amount       string
		status       string
		cancelReason spanner.NullString
	)
	if err := row.Columns(&snap.ID, &snap.CustomerID, &items, &amount, &snap.Total.Currency, &status,
		&cancelReason, &snap.CreatedAt, &snap.UpdatedAt, &snap.Version); err != nil {
		return order.Snapshot{}, classifySpanner("decode order "+orderID, err)
	}
	snap.Total.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return order.Snapshot{}, fmt.Errorf("order %s has invalid total %q: %w", orderID, amount, err)
	}
	snap.Items, err = decodeItems([]byte(items))
	if err != nil {
		return order.Snapshot{}, err
	}
	snap.Status = order.Status(status)
	snap.CancelReason = cancelReason.StringVal
	return snap, nil
}

func (s *SpannerRepository) ListUnpublished(ctx context.Context, limit, maxRetries int) ([]OutboxEvent, error) {
	stmt := spanner.Statement{
		SQL: `SELECT ` + spannerOutboxColumns + ` FROM outbox_events
              WHERE published = FALSE AND retry_count < @maxRetries
              ORDER BY created_at, id LIMIT @limit`,
		Params: map[string]interface{}{
			"maxRetries": int64(maxRetries),
			"limit":      int64(limit),
		},
	}
	return s.queryOutbox(ctx, "ListUnpublished", stmt)
}

func (s *SpannerRepository) ListFailed(ctx context.Context, maxRetries int) ([]OutboxEvent, error) {
	stmt := spanner.Statement{
		SQL: `SELECT ` + spannerOutboxColumns + ` FROM outbox_events
              WHERE published = FALSE AND retry_count >= @maxRetries
              ORDER BY created_at, id`,
		Params: map[string]interface{}{
			"maxRetries": int64(maxRetries),
		},
	}
	return s.queryOutbox(ctx, "ListFailed", stmt)
}

func (s *SpannerRepository) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	return s.update(ctx, "MarkPublished", spanner.Statement{
		SQL: `UPDATE outbox_events SET published = TRUE, published_at = IFNULL(published_at, @at) WHERE id = @id`,
		Params: map[string]interface{}{
			"at": at.UTC(),
			"id": eventID,
		},
	})
}

func (s *SpannerRepository) IncrementRetry(ctx context.Context, eventID string, lastErr string) error {
	return s.update(ctx, "IncrementRetry", spanner.Statement{
		SQL: `UPDATE outbox_events SET retry_count = retry_count + 1, last_error = @lastError WHERE id = @id AND published = FALSE`,
		Params: map[string]interface{}{
			"lastError": lastErr,
			"id":        eventID,
		},
	})
}

func (s *SpannerRepository) MarkEscalated(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return s.update(ctx, "MarkEscalated", spanner.Statement{
		SQL: `UPDATE outbox_events SET escalated_at = @at WHERE id IN UNNEST(@ids) AND escalated_at IS NULL`,
		Params: map[string]interface{}{
			"at":  at.UTC(),
			"ids": eventIDs,
		},
	})
}

func (s *SpannerRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span, start := startSpan(ctx, "PurgeExpired", "spanner")
	defer span.End()

	count, err := s.client.PartitionedUpdate(ctx, spanner.Statement{
		SQL:    `DELETE FROM outbox_events WHERE expires_at < @now`,
		Params: map[string]interface{}{"now": now.UTC()},
	})
	if err != nil {
		err = classifySpanner("purge expired", err)
		span.RecordError(err)
		return 0, err
	}
	addDBStatsToSpan(span, "PurgeExpired", int(count), time.Since(start))
	return count, nil
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

func (s *SpannerRepository) update(ctx context.Context, spanName string, stmt spanner.Statement) error {
	ctx, span, start := startSpan(ctx, spanName, "spanner")
	defer span.End()

	var affected int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var err error
		affected, err = txn.Update(ctx, stmt)
		return err
	})
	if err != nil {
		err = classifySpanner(spanName, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	addDBStatsToSpan(span, spanName, int(affected), time.Since(start))
	return nil
}

func (s *SpannerRepository) queryOutbox(ctx context.Context, spanName string, stmt spanner.Statement) ([]OutboxEvent, error) {
	ctx, span, start := startSpan(ctx, spanName, "spanner")
	defer span.End()

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var events []OutboxEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			err = classifySpanner(spanName, err)
			span.RecordError(err)
			return nil, err
		}

		var (
			event       OutboxEvent
			publishedAt spanner.NullTime
			escalatedAt spanner.NullTime
			retryCount  int64
		)
		if err := row.Columns(
			&event.ID,
			&event.AggregateID,
			&event.EventType,
			&event.Payload,
			&event.Published,
			&event.CreatedAt,
			&publishedAt,
			&retryCount,
			&event.LastError,
			&escalatedAt,
			&event.ExpiresAt,
		); err != nil {
			return nil, classifySpanner(spanName, err)
		}
		event.RetryCount = int(retryCount)
		if publishedAt.Valid {
			event.PublishedAt = &publishedAt.Time
		}
		if escalatedAt.Valid {
			event.EscalatedAt = &escalatedAt.Time
		}
		events = append(events, event)
	}

	addDBStatsToSpan(span, spanName, len(events), time.Since(start))
	return events, nil
}

func classifySpanner(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errs.ErrStorageConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch spanner.ErrCode(err) {
	case grpccodes.AlreadyExists, grpccodes.Aborted:
		return fmt.Errorf("%s: %w: %w", op, errs.ErrStorageConflict, err)
	case grpccodes.NotFound:
		return fmt.Errorf("%s: %w: %w", op, errs.ErrNotFound, err)
	case grpccodes.DeadlineExceeded:
		return fmt.Errorf("%s: %w: %w", op, context.DeadlineExceeded, err)
	}
	return fmt.Errorf("%s: %w: %w", op, errs.ErrStorage, err)
}
