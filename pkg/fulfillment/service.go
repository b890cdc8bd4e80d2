// Package fulfillment is the application layer of the order saga: the commands that change
// orders and the handlers that react to the participants' events.
package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/logging"
	"github.com/zoff-tech/order-saga/pkg/order"
	"github.com/zoff-tech/order-saga/pkg/store"
)

const defaultMaxAttempts = 3

// OrderService runs order commands. Each command loads the order, applies one change and saves
// the order together with its events. A version conflict re-runs the command on a fresh copy.
type OrderService struct {
	orders      store.OrderStore
	clock       clockwork.Clock
	logger      zerolog.Logger
	maxAttempts int
}

type Option func(*OrderService)

func WithClock(clock clockwork.Clock) Option {
	return func(s *OrderService) { s.clock = clock }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *OrderService) { s.logger = logger }
}

// WithMaxAttempts bounds how many times a command runs when saves keep conflicting.
func WithMaxAttempts(n int) Option {
	return func(s *OrderService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func NewOrderService(orders store.OrderStore, opts ...Option) *OrderService {
	s := &OrderService{
		orders:      orders,
		clock:       clockwork.NewRealClock(),
		logger:      zerolog.Nop(),
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder creates a PENDING order and stores it with its order.created event.
func (s *OrderService) PlaceOrder(ctx context.Context, params order.NewParams) (order.Snapshot, error) {
	o, err := order.New(params, order.WithClock(s.clock))
	if err != nil {
		return order.Snapshot{}, err
	}
	if err := s.orders.SaveWithEvents(ctx, o); err != nil {
		return order.Snapshot{}, fmt.Errorf("place order: %w", err)
	}

	s.logger.Info().
		Str(logging.FieldAggregateID, o.ID()).
		Str("customer_id", o.CustomerID()).
		Str("total", o.Total().String()).
		Msg("order placed")
	return o.Snapshot(), nil
}

func (s *OrderService) Get(ctx context.Context, orderID string) (order.Snapshot, error) {
	return s.orders.Load(ctx, orderID)
}

func (s *OrderService) AddItem(ctx context.Context, orderID string, item order.LineItem) (order.Snapshot, error) {
	return s.Update(ctx, orderID, func(o *order.Order) error { return o.AddItem(item) })
}

func (s *OrderService) RemoveItem(ctx context.Context, orderID, productID string) (order.Snapshot, error) {
	return s.Update(ctx, orderID, func(o *order.Order) error { return o.RemoveItem(productID) })
}

func (s *OrderService) Confirm(ctx context.Context, orderID string) (order.Snapshot, error) {
	return s.Update(ctx, orderID, func(o *order.Order) error { return o.Confirm() })
}

func (s *OrderService) StartProcessing(ctx context.Context, orderID string) (order.Snapshot, error) {
	return s.Update(ctx, orderID, func(o *order.Order) error { return o.StartProcessing() })
}

func (s *OrderService) Complete(ctx context.Context, orderID string) (order.Snapshot, error) {
	return s.Update(ctx, orderID, func(o *order.Order) error { return o.Complete() })
}

func (s *OrderService) Cancel(ctx context.Context, orderID, reason string) (order.Snapshot, error) {
	return s.Update(ctx, orderID, func(o *order.Order) error { return o.Cancel(reason) })
}

// Update loads the order, applies change and saves the result. When change leaves no pending
// events nothing is written. Storage conflicts re-run the whole load, change and save cycle.
func (s *OrderService) Update(ctx context.Context, orderID string, change func(*order.Order) error) (order.Snapshot, error) {
	for attempt := 1; ; attempt++ {
		snap, err := s.orders.Load(ctx, orderID)
		if err != nil {
			return order.Snapshot{}, fmt.Errorf("load order %s: %w", orderID, err)
		}

		o := order.Rehydrate(snap, s.clock)
		if err := change(o); err != nil {
			return order.Snapshot{}, err
		}
		if len(o.PendingEvents()) == 0 {
			return o.Snapshot(), nil
		}

		err = s.orders.SaveWithEvents(ctx, o)
		if err == nil {
			return o.Snapshot(), nil
		}
		if !errors.Is(err, errs.ErrStorageConflict) || attempt >= s.maxAttempts {
			return order.Snapshot{}, fmt.Errorf("save order %s: %w", orderID, err)
		}
		s.logger.Debug().
			Str(logging.FieldAggregateID, orderID).
			Int("attempt", attempt).
			Msg("order version conflict, retrying")
	}
}
