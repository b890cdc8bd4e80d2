// Package order holds the Order aggregate and its state machine. Every mutation validates the
// transition, updates the aggregate and appends exactly one event to the pending list that the
// outbox store persists together with the order row.
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/schema"
)

// Aggregate is what the outbox store needs from an entity to save it with its events.
type Aggregate interface {
	AggregateID() string
	Version() int64
	PendingEvents() []schema.Event
	ClearEvents()
}

// LineItem is a product line. All lines of an order share the order currency.
type LineItem struct {
	ProductID string          `validate:"required"`
	Quantity  int             `validate:"gt=0"`
	UnitPrice decimal.Decimal `validate:"-"`
}

// Total returns quantity times unit price.
func (l LineItem) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// NewParams are the inputs of New.
type NewParams struct {
	CustomerID string     `validate:"required"`
	Currency   string     `validate:"required,len=3,alpha"`
	Items      []LineItem `validate:"required,min=1,dive"`
}

// Snapshot is the persisted form of an order.
type Snapshot struct {
	ID           string
	CustomerID   string
	Items        []LineItem
	Total        Money
	Status       Status
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int64
}

// Order is the aggregate root.
type Order struct {
	id           string
	customerID   string
	items        []LineItem
	total        Money
	status       Status
	cancelReason string
	createdAt    time.Time
	updatedAt    time.Time
	version      int64
	events       []schema.Event
	clock        clockwork.Clock
}

// Option customizes New.
type Option func(*Order)

// WithClock sets the clock used for timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(o *Order) { o.clock = clock }
}

// WithID fixes the order identifier instead of generating one.
func WithID(id string) Option {
	return func(o *Order) { o.id = id }
}

var validate = validator.New()

// New validates params and creates a PENDING order with an order.created event.
func New(params NewParams, opts ...Option) (*Order, error) {
	if err := validate.Struct(params); err != nil {
		return nil, fmt.Errorf("invalid order: %v: %w", err, errs.ErrValidation)
	}
	if err := validatePrices(params.Items); err != nil {
		return nil, err
	}

	o := &Order{
		customerID: params.CustomerID,
		items:      append([]LineItem(nil), params.Items...),
		status:     StatusPending,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	o.total = Zero(params.Currency)
	o.recomputeTotal()

	now := o.now()
	o.createdAt = now
	o.updatedAt = now

	o.record(&schema.OrderCreated{
		OrderID:     o.id,
		CustomerID:  o.customerID,
		Items:       o.schemaItems(),
		TotalAmount: o.total.Amount,
		Currency:    o.total.Currency,
	})
	return o, nil
}

// Rehydrate rebuilds an order from storage. The result has no pending events.
func Rehydrate(s Snapshot, clock clockwork.Clock) *Order {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Order{
		id:           s.ID,
		customerID:   s.CustomerID,
		items:        append([]LineItem(nil), s.Items...),
		total:        s.Total,
		status:       s.Status,
		cancelReason: s.CancelReason,
		createdAt:    s.CreatedAt,
		updatedAt:    s.UpdatedAt,
		version:      s.Version,
		clock:        clock,
	}
}

func (o *Order) AggregateID() string     { return o.id }
func (o *Order) ID() string              { return o.id }
func (o *Order) CustomerID() string      { return o.customerID }
func (o *Order) Status() Status          { return o.status }
func (o *Order) Total() Money            { return o.total }
func (o *Order) CancelReason() string    { return o.cancelReason }
func (o *Order) CreatedAt() time.Time    { return o.createdAt }
func (o *Order) UpdatedAt() time.Time    { return o.updatedAt }
func (o *Order) Version() int64          { return o.version }
func (o *Order) Items() []LineItem       { return append([]LineItem(nil), o.items...) }
func (o *Order) PendingEvents() []schema.Event {
	return append([]schema.Event(nil), o.events...)
}

// ClearEvents drops pending events once they are durably stored.
func (o *Order) ClearEvents() { o.events = nil }

// IsNew reports whether the order was never persisted.
func (o *Order) IsNew() bool { return o.version == 0 }

// Committed advances the version after a successful save and clears pending events.
func (o *Order) Committed(version int64) {
	o.version = version
	o.ClearEvents()
}

// Snapshot returns the persisted form of the order.
func (o *Order) Snapshot() Snapshot {
	return Snapshot{
		ID:           o.id,
		CustomerID:   o.customerID,
		Items:        o.Items(),
		Total:        o.total,
		Status:       o.status,
		CancelReason: o.cancelReason,
		CreatedAt:    o.createdAt,
		UpdatedAt:    o.updatedAt,
		Version:      o.version,
	}
}

// Confirm moves a PENDING order to CONFIRMED.
func (o *Order) Confirm() error {
	if err := o.transition(StatusConfirmed); err != nil {
		return err
	}
	o.record(&schema.OrderConfirmed{
		OrderID:     o.id,
		CustomerID:  o.customerID,
		TotalAmount: o.total.Amount,
		Currency:    o.total.Currency,
	})
	return nil
}

// StartProcessing moves a CONFIRMED order to PROCESSING.
func (o *Order) StartProcessing() error {
	if err := o.transition(StatusProcessing); err != nil {
		return err
	}
	o.record(&schema.OrderProcessing{
		OrderID:     o.id,
		CustomerID:  o.customerID,
		TotalAmount: o.total.Amount,
		Currency:    o.total.Currency,
	})
	return nil
}

// Complete moves a PROCESSING order to COMPLETED.
func (o *Order) Complete() error {
	if err := o.transition(StatusCompleted); err != nil {
		return err
	}
	o.record(&schema.OrderCompleted{
		OrderID:     o.id,
		CustomerID:  o.customerID,
		TotalAmount: o.total.Amount,
		Currency:    o.total.Currency,
	})
	return nil
}

// Cancel cancels a non-terminal order. The reason is required.
func (o *Order) Cancel(reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("cancellation reason is required: %w", errs.ErrValidation)
	}
	previous := o.status
	if err := o.transition(StatusCancelled); err != nil {
		return err
	}
	o.cancelReason = reason
	o.record(&schema.OrderCancelled{
		OrderID:        o.id,
		CustomerID:     o.customerID,
		TotalAmount:    o.total.Amount,
		Currency:       o.total.Currency,
		Reason:         reason,
		PreviousStatus: string(previous),
	})
	return nil
}

// AddItem adds a line to a PENDING order. Adding an existing product increases its quantity.
func (o *Order) AddItem(item LineItem) error {
	if o.status != StatusPending {
		return fmt.Errorf("cannot add items to %s order %s: %w", o.status, o.id, errs.ErrInvalidTransition)
	}
	if err := validate.Struct(item); err != nil {
		return fmt.Errorf("invalid line item: %v: %w", err, errs.ErrValidation)
	}
	if err := validatePrices([]LineItem{item}); err != nil {
		return err
	}

	merged := false
	for i := range o.items {
		if o.items[i].ProductID == item.ProductID && o.items[i].UnitPrice.Equal(item.UnitPrice) {
			o.items[i].Quantity += item.Quantity
			merged = true
			break
		}
	}
	if !merged {
		o.items = append(o.items, item)
	}
	o.itemsChanged()
	return nil
}

// RemoveItem removes a product line from a PENDING order. The last line cannot be removed.
func (o *Order) RemoveItem(productID string) error {
	if o.status != StatusPending {
		return fmt.Errorf("cannot remove items from %s order %s: %w", o.status, o.id, errs.ErrInvalidTransition)
	}
	idx := -1
	for i, item := range o.items {
		if item.ProductID == productID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("product %s not in order %s: %w", productID, o.id, errs.ErrNotFound)
	}
	if len(o.items) == 1 {
		return fmt.Errorf("order %s must keep at least one item: %w", o.id, errs.ErrValidation)
	}
	o.items = append(o.items[:idx], o.items[idx+1:]...)
	o.itemsChanged()
	return nil
}

func (o *Order) itemsChanged() {
	o.recomputeTotal()
	o.updatedAt = o.now()
	o.record(&schema.OrderItemsChanged{
		OrderID:     o.id,
		CustomerID:  o.customerID,
		Items:       o.schemaItems(),
		TotalAmount: o.total.Amount,
		Currency:    o.total.Currency,
	})
}

func (o *Order) transition(to Status) error {
	if !CanTransition(o.status, to) {
		return fmt.Errorf("order %s: %s -> %s: %w", o.id, o.status, to, errs.ErrInvalidTransition)
	}
	o.status = to
	o.updatedAt = o.now()
	return nil
}

func (o *Order) record(payload schema.Payload) {
	o.events = append(o.events, schema.NewEvent(o.updatedAt, payload))
}

func (o *Order) recomputeTotal() {
	sum := decimal.Zero
	for _, item := range o.items {
		sum = sum.Add(item.Total())
	}
	o.total = NewMoney(sum, o.total.Currency)
}

func (o *Order) schemaItems() []schema.LineItem {
	out := make([]schema.LineItem, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, schema.LineItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return out
}

func (o *Order) now() time.Time {
	return o.clock.Now().UTC()
}

func validatePrices(items []LineItem) error {
	for _, item := range items {
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("negative unit price for %s: %w", item.ProductID, errs.ErrValidation)
		}
	}
	return nil
}
