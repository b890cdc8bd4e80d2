package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/saga"
)

const sagaColumns = `id, aggregate_id, current_step, steps, compensation_required, COALESCE(compensation_reason, ''),
	completed_at, compensated_at, halted, COALESCE(halt_reason, ''), version, created_at, updated_at`

// PostgresSagaRepository stores saga states in the sagas table.
type PostgresSagaRepository struct {
	db *sql.DB
}

func NewPostgresSagaRepository(db *sql.DB) *PostgresSagaRepository {
	return &PostgresSagaRepository{db: db}
}

func (p *PostgresSagaRepository) Create(ctx context.Context, state *saga.State) error {
	steps, err := json.Marshal(state.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode saga steps: %w", err)
	}
	return p.exec(ctx, "CreateSaga", func(ctx context.Context) (int, error) {
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO sagas (id, aggregate_id, current_step, steps, compensation_required, compensation_reason,
				completed_at, compensated_at, halted, halt_reason, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			state.ID, state.AggregateID, string(state.CurrentStep), steps, state.CompensationRequired,
			state.CompensationReason, nullTime(state.CompletedAt), nullTime(state.CompensatedAt),
			state.Halted, state.HaltReason, int64(1), state.CreatedAt, state.UpdatedAt)
		if err != nil {
			return 0, classifyPostgres("create saga", err)
		}
		state.Version = 1
		return 1, nil
	})
}

func (p *PostgresSagaRepository) Get(ctx context.Context, sagaID string) (*saga.State, error) {
	return p.queryOne(ctx, "GetSaga", `SELECT `+sagaColumns+` FROM sagas WHERE id = $1`, sagaID)
}

func (p *PostgresSagaRepository) FindByAggregateID(ctx context.Context, aggregateID string) (*saga.State, error) {
	return p.queryOne(ctx, "FindSagaByAggregateID", `SELECT `+sagaColumns+` FROM sagas WHERE aggregate_id = $1`, aggregateID)
}

func (p *PostgresSagaRepository) Update(ctx context.Context, state *saga.State) error {
	steps, err := json.Marshal(state.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode saga steps: %w", err)
	}
	return p.exec(ctx, "UpdateSaga", func(ctx context.Context) (int, error) {
		res, err := p.db.ExecContext(ctx,
			`UPDATE sagas SET current_step = $1, steps = $2, compensation_required = $3, compensation_reason = $4,
				completed_at = $5, compensated_at = $6, halted = $7, halt_reason = $8, updated_at = $9, version = version + 1
			 WHERE id = $10 AND version = $11`,
			string(state.CurrentStep), steps, state.CompensationRequired, state.CompensationReason,
			nullTime(state.CompletedAt), nullTime(state.CompensatedAt), state.Halted, state.HaltReason,
			state.UpdatedAt, state.ID, state.Version)
		if err != nil {
			return 0, classifyPostgres("update saga", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, classifyPostgres("update saga", err)
		}
		if affected == 0 {
			return 0, fmt.Errorf("saga %s version %d is stale: %w", state.ID, state.Version, errs.ErrStorageConflict)
		}
		state.Version++
		return int(affected), nil
	})
}

func (p *PostgresSagaRepository) ListCompensationRequired(ctx context.Context, limit int) ([]*saga.State, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas
		 WHERE compensation_required = TRUE AND compensated_at IS NULL
		 ORDER BY updated_at`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var states []*saga.State
	err := p.exec(ctx, "ListCompensationRequired", func(ctx context.Context) (int, error) {
		rows, err := p.db.QueryContext(ctx, query, args...)
		if err != nil {
			return 0, classifyPostgres("list compensation required", err)
		}
		defer rows.Close()
		for rows.Next() {
			state, err := scanSaga(rows)
			if err != nil {
				return 0, err
			}
			states = append(states, state)
		}
		if err := rows.Err(); err != nil {
			return 0, classifyPostgres("list compensation required", err)
		}
		return len(states), nil
	})
	return states, err
}

func (p *PostgresSagaRepository) queryOne(ctx context.Context, spanName, query, arg string) (*saga.State, error) {
	var state *saga.State
	err := p.exec(ctx, spanName, func(ctx context.Context) (int, error) {
		var err error
		state, err = scanSaga(p.db.QueryRowContext(ctx, query, arg))
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	return state, err
}

func (p *PostgresSagaRepository) exec(ctx context.Context, spanName string, fn func(ctx context.Context) (int, error)) error {
	ctx, span, start := startSpan(ctx, spanName, "postgresql")
	defer span.End()

	count, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	addDBStatsToSpan(span, spanName, count, time.Since(start))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (*saga.State, error) {
	var (
		state         saga.State
		currentStep   string
		steps         []byte
		completedAt   sql.NullTime
		compensatedAt sql.NullTime
	)
	if err := row.Scan(
		&state.ID,
		&state.AggregateID,
		&currentStep,
		&steps,
		&state.CompensationRequired,
		&state.CompensationReason,
		&completedAt,
		&compensatedAt,
		&state.Halted,
		&state.HaltReason,
		&state.Version,
		&state.CreatedAt,
		&state.UpdatedAt,
	); err != nil {
		return nil, classifyPostgres("scan saga", err)
	}
	state.CurrentStep = saga.Step(currentStep)
	state.Steps = map[saga.Step]saga.StepRecord{}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &state.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode saga steps: %w", err)
		}
	}
	state.CompletedAt = timePtr(completedAt)
	state.CompensatedAt = timePtr(compensatedAt)
	state.CreatedAt = state.CreatedAt.UTC()
	state.UpdatedAt = state.UpdatedAt.UTC()
	return &state, nil
}
