package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/order"
)

const tracerName = "order-saga/store"

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
)

func startSpan(ctx context.Context, name, system string) (context.Context, trace.Span, time.Time) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", system)),
	)
	return ctx, span, time.Now()
}

func addDBStatsToSpan(span trace.Span, statement string, rowsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("db.rows_count", rowsCount),
		attribute.String("db.operation", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// classifyPostgres maps driver errors from lib/pq or pgx onto the errs taxonomy.
func classifyPostgres(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	code := ""
	var pqErr *pq.Error
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pqErr):
		code = string(pqErr.Code)
	case errors.As(err, &pgErr):
		code = pgErr.Code
	}
	switch code {
	case pgUniqueViolation, pgSerializationFailure:
		return fmt.Errorf("%s: %w: %w", op, errs.ErrStorageConflict, err)
	}
	return fmt.Errorf("%s: %w: %w", op, errs.ErrStorage, err)
}

// itemRow is the stored form of an order line.
type itemRow struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func encodeItems(items []order.LineItem) ([]byte, error) {
	rows := make([]itemRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, itemRow{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}
	return json.Marshal(rows)
}

func decodeItems(data []byte) ([]order.LineItem, error) {
	var rows []itemRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode order items: %w", err)
	}
	items := make([]order.LineItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, order.LineItem{ProductID: row.ProductID, Quantity: row.Quantity, UnitPrice: row.UnitPrice})
	}
	return items, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
