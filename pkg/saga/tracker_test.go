package saga_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/saga"
	"github.com/zoff-tech/order-saga/pkg/store"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// conflictingRepository fails the next n updates with a version conflict.
type conflictingRepository struct {
	*store.MemorySagaRepository
	conflicts  int
	updates    int
	onConflict func()
}

func (r *conflictingRepository) Update(ctx context.Context, state *saga.State) error {
	r.updates++
	if r.conflicts > 0 {
		r.conflicts--
		if r.onConflict != nil {
			r.onConflict()
		}
		return fmt.Errorf("saga %s: %w", state.ID, errs.ErrStorageConflict)
	}
	return r.MemorySagaRepository.Update(ctx, state)
}

func newTracker(t *testing.T) (*saga.Tracker, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	return saga.NewTracker(store.NewMemorySagaRepository(), saga.WithClock(clock)), clock
}

func TestStart_IsIdempotentPerAggregate(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	first, err := tracker.Start(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StepCreated, first.CurrentStep)
	assert.Equal(t, saga.StatusRunning, first.Status())
	assert.Equal(t, saga.OutcomeSuccess, first.Steps[saga.StepCreated].Outcome)

	second, err := tracker.Start(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = tracker.Start(ctx, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestFindByAggregateID_Missing(t *testing.T) {
	tracker, _ := newTracker(t)

	state, err := tracker.FindByAggregateID(context.Background(), "order-404")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestRecordStep(t *testing.T) {
	tracker, clock := newTracker(t)
	ctx := context.Background()

	state, err := tracker.Start(ctx, "order-1")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	state, err = tracker.RecordStep(ctx, state.ID, saga.StepInventoryReservation, saga.OutcomeSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, saga.StepInventoryReservation, state.CurrentStep)
	assert.Equal(t, start.Add(time.Minute), state.Steps[saga.StepInventoryReservation].RecordedAt)
	assert.Equal(t, start.Add(time.Minute), state.UpdatedAt)
	assert.Equal(t, int64(2), state.Version)

	state, err = tracker.RecordStep(ctx, state.ID, saga.StepInventoryReservation, saga.OutcomeFailed, "out of stock")
	require.NoError(t, err)
	assert.Equal(t, "out of stock", state.Steps[saga.StepInventoryReservation].Error)
}

func TestCompleteAndCompensateAreExclusive(t *testing.T) {
	ctx := context.Background()

	t.Run("completed saga cannot compensate", func(t *testing.T) {
		tracker, _ := newTracker(t)
		state, err := tracker.Start(ctx, "order-1")
		require.NoError(t, err)

		state, err = tracker.Complete(ctx, state.ID)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusCompleted, state.Status())

		_, err = tracker.RequestCompensation(ctx, state.ID, "late failure", saga.StepPayment)
		assert.ErrorIs(t, err, errs.ErrSagaTerminal)
		_, err = tracker.MarkCompensated(ctx, state.ID)
		assert.ErrorIs(t, err, errs.ErrSagaTerminal)

		again, err := tracker.Complete(ctx, state.ID)
		require.NoError(t, err)
		assert.Equal(t, state.Version, again.Version, "second completion is a no-op")
	})

	t.Run("compensated saga cannot complete", func(t *testing.T) {
		tracker, _ := newTracker(t)
		state, err := tracker.Start(ctx, "order-2")
		require.NoError(t, err)

		_, err = tracker.MarkCompensated(ctx, state.ID)
		assert.ErrorIs(t, err, errs.ErrInvalidTransition, "compensation must be requested first")

		state, err = tracker.RequestCompensation(ctx, state.ID, "out of stock", saga.StepInventoryReservation)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusCompensating, state.Status())

		_, err = tracker.Complete(ctx, state.ID)
		assert.ErrorIs(t, err, errs.ErrInvalidTransition)

		state, err = tracker.MarkCompensated(ctx, state.ID)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusCompensated, state.Status())
		assert.Equal(t, saga.StepCompensated, state.CurrentStep)
		assert.Equal(t, saga.OutcomeSuccess, state.Steps[saga.StepCompensation].Outcome)

		_, err = tracker.Complete(ctx, state.ID)
		assert.ErrorIs(t, err, errs.ErrSagaTerminal)
	})
}

func TestRequestCompensation_IsIdempotent(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	state, err := tracker.Start(ctx, "order-1")
	require.NoError(t, err)

	first, err := tracker.RequestCompensation(ctx, state.ID, "out of stock", saga.StepInventoryReservation)
	require.NoError(t, err)
	second, err := tracker.RequestCompensation(ctx, state.ID, "payment declined", saga.StepPayment)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, "out of stock", second.CompensationReason)
	assert.Equal(t, saga.StepInventoryReservation, second.CurrentStep)

	pending, err := tracker.ListCompensationRequired(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, state.ID, pending[0].ID)
}

func TestHalt(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	state, err := tracker.Start(ctx, "order-1")
	require.NoError(t, err)
	_, err = tracker.RequestCompensation(ctx, state.ID, "out of stock", saga.StepInventoryReservation)
	require.NoError(t, err)

	halted, err := tracker.Halt(ctx, state.ID, "cancel failed: order already completed")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusHalted, halted.Status())
	assert.Equal(t, saga.OutcomeFailed, halted.Steps[saga.StepCompensation].Outcome)
	assert.Nil(t, halted.CompensatedAt)

	again, err := tracker.Halt(ctx, state.ID, "second failure")
	require.NoError(t, err)
	assert.Equal(t, "cancel failed: order already completed", again.HaltReason)
}

func TestHalt_RejectsFurtherProgress(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	state, err := tracker.Start(ctx, "order-1")
	require.NoError(t, err)
	_, err = tracker.RequestCompensation(ctx, state.ID, "out of stock", saga.StepInventoryReservation)
	require.NoError(t, err)
	halted, err := tracker.Halt(ctx, state.ID, "cancel failed")
	require.NoError(t, err)

	_, err = tracker.MarkCompensated(ctx, state.ID)
	assert.ErrorIs(t, err, errs.ErrSagaHalted)
	_, err = tracker.RecordStep(ctx, state.ID, saga.StepPayment, saga.OutcomeSuccess, "")
	assert.ErrorIs(t, err, errs.ErrSagaHalted)
	_, err = tracker.Complete(ctx, state.ID)
	assert.ErrorIs(t, err, errs.ErrSagaHalted)
	_, err = tracker.RequestCompensation(ctx, state.ID, "payment declined", saga.StepPayment)
	assert.ErrorIs(t, err, errs.ErrSagaHalted)

	got, err := tracker.Get(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, halted.Version, got.Version)
	assert.Equal(t, saga.StepInventoryReservation, got.CurrentStep)
	assert.Nil(t, got.CompensatedAt)
	assert.Nil(t, got.CompletedAt)
	assert.NotContains(t, got.Steps, saga.StepPayment)
}

func TestMutate_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(start)
	repo := &conflictingRepository{MemorySagaRepository: store.NewMemorySagaRepository()}
	tracker := saga.NewTracker(repo, saga.WithClock(clock))
	other := saga.NewTracker(repo.MemorySagaRepository, saga.WithClock(clock))

	state, err := tracker.Start(ctx, "order-1")
	require.NoError(t, err)

	repo.conflicts = 1
	repo.onConflict = func() {
		_, err := other.RecordStep(ctx, state.ID, saga.StepInventoryReservation, saga.OutcomeSuccess, "")
		require.NoError(t, err)
	}

	updated, err := tracker.RecordStep(ctx, state.ID, saga.StepPayment, saga.OutcomeSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.updates)
	assert.Contains(t, updated.Steps, saga.StepInventoryReservation, "the concurrent write is kept")
	assert.Contains(t, updated.Steps, saga.StepPayment)
	assert.Equal(t, int64(3), updated.Version)
}

func TestMutate_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	repo := &conflictingRepository{MemorySagaRepository: store.NewMemorySagaRepository()}
	tracker := saga.NewTracker(repo, saga.WithMaxAttempts(3))

	state, err := tracker.Start(ctx, "order-1")
	require.NoError(t, err)

	repo.conflicts = 10
	_, err = tracker.Complete(ctx, state.ID)
	assert.ErrorIs(t, err, errs.ErrStorageConflict)
	assert.Equal(t, 3, repo.updates)
}
