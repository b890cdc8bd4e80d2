package order

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/schema"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestOrder(t *testing.T, clock clockwork.Clock) *Order {
	t.Helper()
	o, err := New(NewParams{
		CustomerID: "customer-1",
		Currency:   "usd",
		Items: []LineItem{
			{ProductID: "sku-1", Quantity: 2, UnitPrice: decimal.RequireFromString("50.00")},
			{ProductID: "sku-2", Quantity: 1, UnitPrice: decimal.RequireFromString("50.00")},
		},
	}, WithClock(clock))
	require.NoError(t, err)
	return o
}

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusConfirmed, StatusProcessing, StatusCompleted, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusConfirmed}:     true,
		{StatusPending, StatusCancelled}:     true,
		{StatusConfirmed, StatusProcessing}:  true,
		{StatusConfirmed, StatusCancelled}:   true,
		{StatusProcessing, StatusCompleted}:  true,
		{StatusProcessing, StatusCancelled}:  true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
}

func TestNew(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	o := newTestOrder(t, clock)

	assert.NotEmpty(t, o.ID())
	assert.Equal(t, StatusPending, o.Status())
	assert.True(t, o.Total().Amount.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, "USD", o.Total().Currency)
	assert.Equal(t, epoch, o.CreatedAt())
	assert.True(t, o.IsNew())

	events := o.PendingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, schema.TypeOrderCreated, events[0].Type())
	assert.Equal(t, o.ID(), events[0].AggregateID)
	created := events[0].Payload.(*schema.OrderCreated)
	assert.Equal(t, "customer-1", created.CustomerID)
	assert.Len(t, created.Items, 2)
	assert.Equal(t, "USD", created.Currency)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params NewParams
	}{
		{name: "no customer", params: NewParams{Currency: "USD", Items: []LineItem{{ProductID: "a", Quantity: 1}}}},
		{name: "no items", params: NewParams{CustomerID: "c", Currency: "USD"}},
		{name: "zero quantity", params: NewParams{CustomerID: "c", Currency: "USD", Items: []LineItem{{ProductID: "a", Quantity: 0}}}},
		{name: "bad currency", params: NewParams{CustomerID: "c", Currency: "US", Items: []LineItem{{ProductID: "a", Quantity: 1}}}},
		{name: "negative price", params: NewParams{CustomerID: "c", Currency: "USD", Items: []LineItem{{ProductID: "a", Quantity: 1, UnitPrice: decimal.NewFromInt(-1)}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.params)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestTransitions_AppendOneEventEach(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	o := newTestOrder(t, clock)
	o.ClearEvents()

	clock.Advance(time.Minute)
	require.NoError(t, o.Confirm())
	require.NoError(t, o.StartProcessing())
	require.NoError(t, o.Complete())

	events := o.PendingEvents()
	require.Len(t, events, 3)
	assert.Equal(t, schema.TypeOrderConfirmed, events[0].Type())
	assert.Equal(t, schema.TypeOrderProcessing, events[1].Type())
	assert.Equal(t, schema.TypeOrderCompleted, events[2].Type())
	assert.Equal(t, epoch.Add(time.Minute), o.UpdatedAt())
	assert.Equal(t, epoch.Add(time.Minute), events[0].OccurredAt)
	assert.Equal(t, StatusCompleted, o.Status())
}

func TestIllegalTransitions(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)

	t.Run("complete from pending", func(t *testing.T) {
		o := newTestOrder(t, clock)
		o.ClearEvents()
		before := o.UpdatedAt()
		clock.Advance(time.Second)

		err := o.Complete()

		assert.ErrorIs(t, err, errs.ErrInvalidTransition)
		assert.Equal(t, StatusPending, o.Status())
		assert.Empty(t, o.PendingEvents())
		assert.Equal(t, before, o.UpdatedAt())
	})

	t.Run("confirm twice", func(t *testing.T) {
		o := newTestOrder(t, clock)
		require.NoError(t, o.Confirm())
		assert.ErrorIs(t, o.Confirm(), errs.ErrInvalidTransition)
	})

	t.Run("cancel terminal", func(t *testing.T) {
		o := newTestOrder(t, clock)
		require.NoError(t, o.Cancel("customer request"))
		assert.ErrorIs(t, o.Cancel("again"), errs.ErrInvalidTransition)
	})
}

func TestCancel(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	o := newTestOrder(t, clock)
	require.NoError(t, o.Confirm())
	o.ClearEvents()

	assert.ErrorIs(t, o.Cancel("  "), errs.ErrValidation)
	assert.Equal(t, StatusConfirmed, o.Status())

	require.NoError(t, o.Cancel("out of stock"))
	assert.Equal(t, StatusCancelled, o.Status())
	assert.Equal(t, "out of stock", o.CancelReason())

	events := o.PendingEvents()
	require.Len(t, events, 1)
	cancelled := events[0].Payload.(*schema.OrderCancelled)
	assert.Equal(t, "out of stock", cancelled.Reason)
	assert.Equal(t, string(StatusConfirmed), cancelled.PreviousStatus)
}

func TestItems(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	o := newTestOrder(t, clock)
	o.ClearEvents()

	require.NoError(t, o.AddItem(LineItem{ProductID: "sku-3", Quantity: 3, UnitPrice: decimal.NewFromInt(10)}))
	assert.True(t, o.Total().Amount.Equal(decimal.NewFromInt(180)))

	require.NoError(t, o.AddItem(LineItem{ProductID: "sku-3", Quantity: 1, UnitPrice: decimal.NewFromInt(10)}))
	assert.Len(t, o.Items(), 3)
	assert.True(t, o.Total().Amount.Equal(decimal.NewFromInt(190)))

	require.NoError(t, o.RemoveItem("sku-1"))
	assert.True(t, o.Total().Amount.Equal(decimal.NewFromInt(90)))
	assert.ErrorIs(t, o.RemoveItem("missing"), errs.ErrNotFound)

	require.NoError(t, o.RemoveItem("sku-2"))
	assert.ErrorIs(t, o.RemoveItem("sku-3"), errs.ErrValidation)
	assert.Len(t, o.Items(), 1)

	events := o.PendingEvents()
	require.Len(t, events, 4)
	for _, e := range events {
		assert.Equal(t, schema.TypeOrderItemsChanged, e.Type())
	}

	require.NoError(t, o.Confirm())
	assert.ErrorIs(t, o.AddItem(LineItem{ProductID: "sku-9", Quantity: 1}), errs.ErrInvalidTransition)
	assert.ErrorIs(t, o.RemoveItem("sku-3"), errs.ErrInvalidTransition)
}

func TestRehydrate(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	o := newTestOrder(t, clock)
	o.Committed(1)
	assert.Empty(t, o.PendingEvents())

	restored := Rehydrate(o.Snapshot(), clock)

	assert.Equal(t, o.Snapshot(), restored.Snapshot())
	assert.Empty(t, restored.PendingEvents())
	assert.False(t, restored.IsNew())

	var agg Aggregate = restored
	assert.Equal(t, int64(1), agg.Version())
}
