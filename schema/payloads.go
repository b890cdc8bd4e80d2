package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is an order line as carried in events.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ReservedItem is a line the inventory participant managed to reserve.
type ReservedItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// OrderCreated is emitted when an order is placed.
type OrderCreated struct {
	OrderID     string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	Items       []LineItem      `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
}

func (*OrderCreated) EventType() string      { return TypeOrderCreated }
func (p *OrderCreated) AggregateRef() string { return p.OrderID }

// OrderConfirmed is emitted once inventory is reserved.
type OrderConfirmed struct {
	OrderID     string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
}

func (*OrderConfirmed) EventType() string      { return TypeOrderConfirmed }
func (p *OrderConfirmed) AggregateRef() string { return p.OrderID }

// OrderProcessing is emitted when fulfillment of a confirmed order starts.
type OrderProcessing struct {
	OrderID     string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
}

func (*OrderProcessing) EventType() string      { return TypeOrderProcessing }
func (p *OrderProcessing) AggregateRef() string { return p.OrderID }

// OrderCompleted is emitted when an order is fulfilled.
type OrderCompleted struct {
	OrderID     string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
}

func (*OrderCompleted) EventType() string      { return TypeOrderCompleted }
func (p *OrderCompleted) AggregateRef() string { return p.OrderID }

// OrderCancelled is emitted by a cancellation, including compensating ones.
type OrderCancelled struct {
	OrderID        string          `json:"order_id"`
	CustomerID     string          `json:"customer_id"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Currency       string          `json:"currency"`
	Reason         string          `json:"reason"`
	PreviousStatus string          `json:"previous_status"`
}

func (*OrderCancelled) EventType() string      { return TypeOrderCancelled }
func (p *OrderCancelled) AggregateRef() string { return p.OrderID }

// OrderItemsChanged is emitted when lines are added to or removed from a pending order.
type OrderItemsChanged struct {
	OrderID     string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	Items       []LineItem      `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
}

func (*OrderItemsChanged) EventType() string      { return TypeOrderItemsChanged }
func (p *OrderItemsChanged) AggregateRef() string { return p.OrderID }

// InventoryReserved is emitted by the inventory participant on success.
type InventoryReserved struct {
	OrderID       string         `json:"order_id"`
	ReservedItems []ReservedItem `json:"reserved_items"`
	ReservedAt    time.Time      `json:"reserved_at"`
}

func (*InventoryReserved) EventType() string      { return TypeInventoryReserved }
func (p *InventoryReserved) AggregateRef() string { return p.OrderID }

// InventoryReservationFailed is emitted by the inventory participant on failure.
type InventoryReservationFailed struct {
	OrderID  string    `json:"order_id"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

func (*InventoryReservationFailed) EventType() string      { return TypeInventoryReservationFailed }
func (p *InventoryReservationFailed) AggregateRef() string { return p.OrderID }

// PaymentCompleted is emitted by the payment participant.
type PaymentCompleted struct {
	OrderID     string          `json:"order_id"`
	PaymentID   string          `json:"payment_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

func (*PaymentCompleted) EventType() string      { return TypePaymentCompleted }
func (p *PaymentCompleted) AggregateRef() string { return p.OrderID }
