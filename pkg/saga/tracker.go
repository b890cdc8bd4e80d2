package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/logging"
)

const defaultMaxAttempts = 3

// Tracker applies saga state changes with optimistic concurrency, re-reading on conflict.
type Tracker struct {
	repo        Repository
	clock       clockwork.Clock
	logger      zerolog.Logger
	maxAttempts int
}

type Option func(*Tracker)

func WithClock(clock clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = clock }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithMaxAttempts bounds the re-read/re-apply loop on version conflicts.
func WithMaxAttempts(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

func NewTracker(repo Repository, opts ...Option) *Tracker {
	t := &Tracker{
		repo:        repo,
		clock:       clockwork.NewRealClock(),
		logger:      zerolog.Nop(),
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start creates the saga for an aggregate. A saga that already exists is returned unchanged.
func (t *Tracker) Start(ctx context.Context, aggregateID string) (*State, error) {
	if aggregateID == "" {
		return nil, fmt.Errorf("aggregate id is required: %w", errs.ErrValidation)
	}

	existing, err := t.FindByAggregateID(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := t.now()
	state := &State{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		CurrentStep: StepCreated,
		Steps: map[Step]StepRecord{
			StepCreated: {Outcome: OutcomeSuccess, RecordedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.repo.Create(ctx, state); err != nil {
		if errors.Is(err, errs.ErrStorageConflict) {
			// lost a race with a concurrent delivery
			return t.repo.FindByAggregateID(ctx, aggregateID)
		}
		return nil, err
	}

	t.logger.Info().
		Str(logging.FieldSagaID, state.ID).
		Str(logging.FieldAggregateID, aggregateID).
		Msg("saga started")
	return state, nil
}

// Get loads a saga by id.
func (t *Tracker) Get(ctx context.Context, sagaID string) (*State, error) {
	return t.repo.Get(ctx, sagaID)
}

// FindByAggregateID returns the saga for an aggregate, or nil when there is none.
func (t *Tracker) FindByAggregateID(ctx context.Context, aggregateID string) (*State, error) {
	state, err := t.repo.FindByAggregateID(ctx, aggregateID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// RecordStep stores the outcome of a step, replacing any earlier record for it, and makes it
// the current step.
func (t *Tracker) RecordStep(ctx context.Context, sagaID string, step Step, outcome Outcome, errMsg string) (*State, error) {
	return t.mutate(ctx, sagaID, func(s *State, now time.Time) (bool, error) {
		s.CurrentStep = step
		s.Steps[step] = StepRecord{Outcome: outcome, RecordedAt: now, Error: errMsg}
		return true, nil
	})
}

// RequestCompensation flags the saga for compensation. Calling it again is a no-op.
func (t *Tracker) RequestCompensation(ctx context.Context, sagaID, reason string, failedStep Step) (*State, error) {
	return t.mutate(ctx, sagaID, func(s *State, _ time.Time) (bool, error) {
		if s.CompensationRequired {
			return false, nil
		}
		if s.CompletedAt != nil {
			return false, fmt.Errorf("saga %s completed, cannot compensate: %w", s.ID, errs.ErrSagaTerminal)
		}
		s.CompensationRequired = true
		s.CompensationReason = reason
		s.CurrentStep = failedStep
		return true, nil
	})
}

// Complete marks forward completion.
func (t *Tracker) Complete(ctx context.Context, sagaID string) (*State, error) {
	return t.mutate(ctx, sagaID, func(s *State, now time.Time) (bool, error) {
		if s.CompletedAt != nil {
			return false, nil
		}
		if s.CompensatedAt != nil {
			return false, fmt.Errorf("saga %s was compensated: %w", s.ID, errs.ErrSagaTerminal)
		}
		if s.CompensationRequired {
			return false, fmt.Errorf("saga %s requires compensation: %w", s.ID, errs.ErrInvalidTransition)
		}
		s.CompletedAt = &now
		s.CurrentStep = StepCompleted
		return true, nil
	})
}

// MarkCompensated marks reverse completion. Compensation must have been requested.
func (t *Tracker) MarkCompensated(ctx context.Context, sagaID string) (*State, error) {
	return t.mutate(ctx, sagaID, func(s *State, now time.Time) (bool, error) {
		if s.CompensatedAt != nil {
			return false, nil
		}
		if s.CompletedAt != nil {
			return false, fmt.Errorf("saga %s was completed: %w", s.ID, errs.ErrSagaTerminal)
		}
		if !s.CompensationRequired {
			return false, fmt.Errorf("saga %s has no compensation request: %w", s.ID, errs.ErrInvalidTransition)
		}
		s.CompensatedAt = &now
		s.CurrentStep = StepCompensated
		s.Steps[StepCompensation] = StepRecord{Outcome: OutcomeSuccess, RecordedAt: now}
		return true, nil
	})
}

// Halt stops automatic progress; the saga needs manual intervention. Every later change is
// rejected with errs.ErrSagaHalted. Halting again is a no-op.
func (t *Tracker) Halt(ctx context.Context, sagaID, reason string) (*State, error) {
	state, err := t.update(ctx, sagaID, func(s *State, now time.Time) (bool, error) {
		if s.Halted {
			return false, nil
		}
		s.Halted = true
		s.HaltReason = reason
		s.Steps[StepCompensation] = StepRecord{Outcome: OutcomeFailed, RecordedAt: now, Error: reason}
		return true, nil
	})
	if err == nil {
		t.logger.Error().
			Str(logging.FieldSagaID, sagaID).
			Str("reason", reason).
			Msg("saga halted, manual intervention required")
	}
	return state, err
}

// ListCompensationRequired returns sagas flagged for compensation, oldest first.
func (t *Tracker) ListCompensationRequired(ctx context.Context, limit int) ([]*State, error) {
	return t.repo.ListCompensationRequired(ctx, limit)
}

// mutate applies a change to a saga that is not halted.
func (t *Tracker) mutate(ctx context.Context, sagaID string, apply func(*State, time.Time) (bool, error)) (*State, error) {
	return t.update(ctx, sagaID, func(s *State, now time.Time) (bool, error) {
		if s.Halted {
			return false, fmt.Errorf("saga %s: %w", s.ID, errs.ErrSagaHalted)
		}
		return apply(s, now)
	})
}

func (t *Tracker) update(ctx context.Context, sagaID string, apply func(*State, time.Time) (bool, error)) (*State, error) {
	for attempt := 1; ; attempt++ {
		state, err := t.repo.Get(ctx, sagaID)
		if err != nil {
			return nil, err
		}
		if state.Steps == nil {
			state.Steps = map[Step]StepRecord{}
		}

		now := t.now()
		changed, err := apply(state, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			return state, nil
		}
		state.UpdatedAt = now

		err = t.repo.Update(ctx, state)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, errs.ErrStorageConflict) || attempt >= t.maxAttempts {
			return nil, err
		}
		t.logger.Debug().
			Str(logging.FieldSagaID, sagaID).
			Int("attempt", attempt).
			Msg("saga version conflict, re-reading")
	}
}

func (t *Tracker) now() time.Time {
	return t.clock.Now().UTC()
}
