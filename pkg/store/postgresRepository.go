package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/codes"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/order"
)

type txKey struct{}

// PostgresRepository stores orders and outbox events in PostgreSQL through database/sql. It
// works with both the lib/pq ("postgres") and pgx ("pgx") drivers.
type PostgresRepository struct {
	db        *sql.DB
	clock     clockwork.Clock
	retention time.Duration
}

func NewPostgresRepository(db *sql.DB, clock clockwork.Clock, retention time.Duration) *PostgresRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retention <= 0 {
		retention = DefaultOutboxRetention
	}
	return &PostgresRepository{db: db, clock: clock, retention: retention}
}

const outboxColumns = `id, aggregate_id, event_type, payload, published, created_at, published_at,
	retry_count, COALESCE(last_error, ''), escalated_at, expires_at`

func (p *PostgresRepository) SaveWithEvents(ctx context.Context, o *order.Order) error {
	rows, err := outboxEvents(o.PendingEvents(), p.clock.Now(), p.retention)
	if err != nil {
		return err
	}
	items, err := encodeItems(o.Items())
	if err != nil {
		return err
	}
	next := o.Version() + 1

	err = p.withTransaction(ctx, "SaveWithEvents", func(ctx context.Context, tx *sql.Tx) (int, error) {
		if o.IsNew() {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO orders (id, customer_id, items, total_amount, currency, status, cancel_reason, created_at, updated_at, version)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				o.ID(), o.CustomerID(), items, o.Total().Amount, o.Total().Currency, string(o.Status()),
				o.CancelReason(), o.CreatedAt(), o.UpdatedAt(), next)
			if err != nil {
				return 0, classifyPostgres("insert order", err)
			}
		} else {
			res, err := tx.ExecContext(ctx,
				`UPDATE orders SET items = $1, total_amount = $2, status = $3, cancel_reason = $4, updated_at = $5, version = $6
				 WHERE id = $7 AND version = $8`,
				items, o.Total().Amount, string(o.Status()), o.CancelReason(), o.UpdatedAt(), next, o.ID(), o.Version())
			if err != nil {
				return 0, classifyPostgres("update order", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return 0, classifyPostgres("update order", err)
			}
			if affected == 0 {
				return 0, fmt.Errorf("order %s version %d is stale: %w", o.ID(), o.Version(), errs.ErrStorageConflict)
			}
		}

		for _, row := range rows {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO outbox_events (id, aggregate_id, event_type, payload, published, created_at, retry_count, expires_at)
				 VALUES ($1, $2, $3, $4, FALSE, $5, 0, $6)`,
				row.ID, row.AggregateID, row.EventType, row.Payload, row.CreatedAt, row.ExpiresAt)
			if err != nil {
				return 0, classifyPostgres("insert outbox event", err)
			}
		}
		return len(rows) + 1, nil
	})
	if err != nil {
		return err
	}

	o.Committed(next)
	return nil
}

func (p *PostgresRepository) Load(ctx context.Context, orderID string) (order.Snapshot, error) {
	var snap order.Snapshot
	err := p.withTransaction(ctx, "Load", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var (
			items  []byte
			status string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, customer_id, items, total_amount, currency, status, COALESCE(cancel_reason, ''), created_at, updated_at, version
			 FROM orders WHERE id = $1`, orderID).
			Scan(&snap.ID, &snap.CustomerID, &items, &snap.Total.Amount, &snap.Total.Currency, &status,
				&snap.CancelReason, &snap.CreatedAt, &snap.UpdatedAt, &snap.Version)
		if err != nil {
			return 0, classifyPostgres("load order "+orderID, err)
		}
		snap.Status = order.Status(status)
		snap.Items, err = decodeItems(items)
		if err != nil {
			return 0, err
		}
		snap.CreatedAt = snap.CreatedAt.UTC()
		snap.UpdatedAt = snap.UpdatedAt.UTC()
		return 1, nil
	})
	return snap, err
}

func (p *PostgresRepository) ListUnpublished(ctx context.Context, limit, maxRetries int) ([]OutboxEvent, error) {
	var events []OutboxEvent
	err := p.withTransaction(ctx, "ListUnpublished", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox_events
			 WHERE published = FALSE AND retry_count < $1
			 ORDER BY created_at, id LIMIT $2`, maxRetries, limit)
		if err != nil {
			return 0, classifyPostgres("list unpublished", err)
		}
		events, err = scanOutboxRows(rows)
		return len(events), err
	})
	return events, err
}

func (p *PostgresRepository) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	return p.withTransaction(ctx, "MarkPublished", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox_events SET published = TRUE, published_at = COALESCE(published_at, $1) WHERE id = $2`,
			at.UTC(), eventID)
		return 1, classifyPostgres("mark published", err)
	})
}

func (p *PostgresRepository) IncrementRetry(ctx context.Context, eventID string, lastErr string) error {
	return p.withTransaction(ctx, "IncrementRetry", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox_events SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2 AND published = FALSE`,
			lastErr, eventID)
		return 1, classifyPostgres("increment retry", err)
	})
}

func (p *PostgresRepository) ListFailed(ctx context.Context, maxRetries int) ([]OutboxEvent, error) {
	var events []OutboxEvent
	err := p.withTransaction(ctx, "ListFailed", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox_events
			 WHERE published = FALSE AND retry_count >= $1
			 ORDER BY created_at, id`, maxRetries)
		if err != nil {
			return 0, classifyPostgres("list failed", err)
		}
		events, err = scanOutboxRows(rows)
		return len(events), err
	})
	return events, err
}

func (p *PostgresRepository) MarkEscalated(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return p.withTransaction(ctx, "MarkEscalated", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox_events SET escalated_at = $1 WHERE id = ANY($2) AND escalated_at IS NULL`,
			at.UTC(), pq.Array(eventIDs))
		return len(eventIDs), classifyPostgres("mark escalated", err)
	})
}

func (p *PostgresRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	err := p.withTransaction(ctx, "PurgeExpired", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM outbox_events WHERE expires_at < $1`, now.UTC())
		if err != nil {
			return 0, classifyPostgres("purge expired", err)
		}
		purged, err = res.RowsAffected()
		return int(purged), classifyPostgres("purge expired", err)
	})
	return purged, err
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

// withTransaction runs fn in the transaction carried by ctx, or in a new one that is committed
// when fn succeeds and rolled back otherwise.
func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) (err error) {
	ctx, span, start := startSpan(ctx, spanName, "postgresql")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		tx, err = p.db.BeginTx(ctx, nil)
		if err != nil {
			return classifyPostgres("begin", err)
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
				return
			}
			if commitErr := tx.Commit(); commitErr != nil {
				err = classifyPostgres("commit", commitErr)
			}
		}()
		ctx = context.WithValue(ctx, txKey{}, tx)
	}

	count, err := fn(ctx, tx)
	if err != nil {
		return err
	}

	addDBStatsToSpan(span, spanName, count, time.Since(start))
	return nil
}

func scanOutboxRows(rows *sql.Rows) ([]OutboxEvent, error) {
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var (
			event       OutboxEvent
			publishedAt sql.NullTime
			escalatedAt sql.NullTime
		)
		if err := rows.Scan(
			&event.ID,
			&event.AggregateID,
			&event.EventType,
			&event.Payload,
			&event.Published,
			&event.CreatedAt,
			&publishedAt,
			&event.RetryCount,
			&event.LastError,
			&escalatedAt,
			&event.ExpiresAt,
		); err != nil {
			return nil, classifyPostgres("scan outbox event", err)
		}
		event.CreatedAt = event.CreatedAt.UTC()
		event.ExpiresAt = event.ExpiresAt.UTC()
		event.PublishedAt = timePtr(publishedAt)
		event.EscalatedAt = timePtr(escalatedAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres("iterate outbox events", err)
	}
	return events, nil
}
