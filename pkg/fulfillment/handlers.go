package fulfillment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/idempotency"
	"github.com/zoff-tech/order-saga/pkg/logging"
	"github.com/zoff-tech/order-saga/pkg/order"
	"github.com/zoff-tech/order-saga/pkg/saga"
	"github.com/zoff-tech/order-saga/schema"
)

const defaultCancelReason = "inventory reservation failed"

// Registrar accepts event handlers by type. consumer.Dispatcher implements it.
type Registrar interface {
	Register(eventType string, handler idempotency.Handler)
}

// SagaHandlers drives the fulfillment saga from inbound events. Handlers are written to be
// safe to re-run: a step whose effect is already visible on the order is skipped, so a
// redelivery after a partial failure finishes the remaining work.
type SagaHandlers struct {
	orders  *OrderService
	tracker *saga.Tracker
	logger  zerolog.Logger
}

func NewSagaHandlers(orders *OrderService, tracker *saga.Tracker, logger zerolog.Logger) *SagaHandlers {
	return &SagaHandlers{orders: orders, tracker: tracker, logger: logger}
}

// Register wires every saga handler into r.
func (h *SagaHandlers) Register(r Registrar) {
	r.Register(schema.TypeOrderCreated, h.OnOrderCreated)
	r.Register(schema.TypeInventoryReserved, h.OnInventoryReserved)
	r.Register(schema.TypeInventoryReservationFailed, h.OnInventoryReservationFailed)
	r.Register(schema.TypePaymentCompleted, h.OnPaymentCompleted)
}

// OnOrderCreated starts the saga for the new order.
func (h *SagaHandlers) OnOrderCreated(ctx context.Context, event schema.Event) error {
	p, ok := event.Payload.(*schema.OrderCreated)
	if !ok {
		return payloadError(event)
	}
	_, err := h.tracker.Start(ctx, p.OrderID)
	return err
}

// OnInventoryReserved confirms the order and completes the saga.
func (h *SagaHandlers) OnInventoryReserved(ctx context.Context, event schema.Event) error {
	p, ok := event.Payload.(*schema.InventoryReserved)
	if !ok {
		return payloadError(event)
	}

	state, err := h.findSaga(ctx, p.OrderID)
	if err != nil {
		return err
	}

	_, err = h.orders.Update(ctx, p.OrderID, func(o *order.Order) error {
		switch o.Status() {
		case order.StatusConfirmed, order.StatusProcessing, order.StatusCompleted:
			return nil
		}
		return o.Confirm()
	})
	if err != nil {
		return fmt.Errorf("confirm order %s: %w", p.OrderID, err)
	}

	if state == nil {
		return nil
	}
	if _, err := h.tracker.RecordStep(ctx, state.ID, saga.StepInventoryReservation, saga.OutcomeSuccess, ""); err != nil {
		return err
	}
	if _, err := h.tracker.Complete(ctx, state.ID); err != nil {
		return err
	}
	h.logger.Info().Str(logging.FieldSagaID, state.ID).Str(logging.FieldAggregateID, p.OrderID).Msg("saga completed")
	return nil
}

// OnInventoryReservationFailed records the failure and compensates by cancelling the order.
// A cancellation that cannot be applied halts the saga.
func (h *SagaHandlers) OnInventoryReservationFailed(ctx context.Context, event schema.Event) error {
	p, ok := event.Payload.(*schema.InventoryReservationFailed)
	if !ok {
		return payloadError(event)
	}
	reason := p.Reason
	if reason == "" {
		reason = defaultCancelReason
	}

	state, err := h.findSaga(ctx, p.OrderID)
	if err != nil {
		return err
	}
	switch {
	case state == nil:
	case state.CompensatedAt != nil:
		return nil
	default:
		// request first: a completed saga rejects it before any step is rewritten
		if _, err := h.tracker.RequestCompensation(ctx, state.ID, reason, saga.StepInventoryReservation); err != nil {
			return err
		}
		if _, err := h.tracker.RecordStep(ctx, state.ID, saga.StepInventoryReservation, saga.OutcomeFailed, reason); err != nil {
			return err
		}
	}

	_, err = h.orders.Update(ctx, p.OrderID, func(o *order.Order) error {
		if o.Status() == order.StatusCancelled {
			return nil
		}
		return o.Cancel(reason)
	})
	if err != nil {
		if errs.IsRetryable(err) {
			return err
		}
		if state != nil {
			if _, haltErr := h.tracker.Halt(ctx, state.ID, err.Error()); haltErr != nil {
				h.logger.Error().Err(haltErr).Str(logging.FieldSagaID, state.ID).Msg("failed to halt saga")
			}
		}
		return fmt.Errorf("cancel order %s: %w: %w", p.OrderID, errs.ErrCompensationFailed, err)
	}

	if state == nil {
		return nil
	}
	if _, err := h.tracker.MarkCompensated(ctx, state.ID); err != nil {
		return err
	}
	h.logger.Info().
		Str(logging.FieldSagaID, state.ID).
		Str(logging.FieldAggregateID, p.OrderID).
		Str("reason", reason).
		Msg("saga compensated")
	return nil
}

// OnPaymentCompleted moves the order through PROCESSING to COMPLETED in one save.
func (h *SagaHandlers) OnPaymentCompleted(ctx context.Context, event schema.Event) error {
	p, ok := event.Payload.(*schema.PaymentCompleted)
	if !ok {
		return payloadError(event)
	}

	state, err := h.findSaga(ctx, p.OrderID)
	if err != nil {
		return err
	}

	_, err = h.orders.Update(ctx, p.OrderID, func(o *order.Order) error {
		switch o.Status() {
		case order.StatusCompleted:
			return nil
		case order.StatusConfirmed:
			if err := o.StartProcessing(); err != nil {
				return err
			}
		}
		return o.Complete()
	})
	if err != nil {
		return fmt.Errorf("complete order %s: %w", p.OrderID, err)
	}

	if state == nil {
		return nil
	}
	_, err = h.tracker.RecordStep(ctx, state.ID, saga.StepPayment, saga.OutcomeSuccess, "")
	return err
}

// findSaga returns nil without error when the order has no saga; the order action still runs.
func (h *SagaHandlers) findSaga(ctx context.Context, orderID string) (*saga.State, error) {
	state, err := h.tracker.FindByAggregateID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		h.logger.Warn().Str(logging.FieldAggregateID, orderID).Msg("no saga found for order")
	}
	return state, nil
}

func payloadError(event schema.Event) error {
	return fmt.Errorf("unexpected payload %T for %s: %w", event.Payload, event.Type(), errs.ErrValidation)
}
