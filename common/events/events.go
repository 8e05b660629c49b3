// Package events defines the wire contract shared by every service: topic
// names, the event envelope, and the typed payloads that ride in it.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/velocart/platform/common/money"
)

// Topic names are contractual; producers and consumers bind to these exact
// strings. The ".dlq" suffix addresses the matching dead-letter queue.
const (
	TopicStockReserved     = "inventory.stock.reserved"
	TopicStockReleased     = "inventory.stock.released"
	TopicStockDeducted     = "inventory.stock.deducted"
	TopicStockAdjusted     = "inventory.stock.adjusted"
	TopicLowStock          = "inventory.alerts.low-stock"
	TopicInsufficientStock = "inventory.alerts.insufficient-stock"

	TopicOrderCreated   = "order.created"
	TopicOrderConfirmed = "order.confirmed"
	TopicOrderPaid      = "order.paid"
	TopicOrderCancelled = "order.cancelled"
	TopicOrderCompleted = "order.completed"

	TopicPaymentCompleted = "payment.completed"
	TopicPaymentFailed    = "payment.failed"
)

// DLQSuffix marks dead-letter queues.
const DLQSuffix = ".dlq"

// Topics lists every contractual topic; broker setup declares one exchange
// and one DLQ per entry.
var Topics = []string{
	TopicStockReserved,
	TopicStockReleased,
	TopicStockDeducted,
	TopicStockAdjusted,
	TopicLowStock,
	TopicInsufficientStock,
	TopicOrderCreated,
	TopicOrderConfirmed,
	TopicOrderPaid,
	TopicOrderCancelled,
	TopicOrderCompleted,
	TopicPaymentCompleted,
	TopicPaymentFailed,
}

// Envelope carries the fields common to every event. EventID is globally
// unique and drives consumer-side idempotency.
type Envelope struct {
	EventID     string    `json:"eventId"`
	EventType   string    `json:"eventType"`
	Timestamp   time.Time `json:"timestamp"`
	Version     int       `json:"version"`
	AggregateID string    `json:"aggregateId"`
}

// Event is implemented by every payload type.
type Event interface {
	// Meta returns the mutable envelope.
	Meta() *Envelope
	// TypeTag returns the @type discriminator, the single source of truth
	// for polymorphic dispatch.
	TypeTag() string
	// Topic returns the topic this event is published to.
	Topic() string
}

// NewEnvelope stamps a fresh envelope for an aggregate.
func NewEnvelope(eventType, aggregateID string) Envelope {
	return Envelope{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		Timestamp:   time.Now().UTC(),
		Version:     1,
		AggregateID: aggregateID,
	}
}

// OrderItem is the line-item shape carried by order events.
type OrderItem struct {
	ProductID string      `json:"productId"`
	Name      string      `json:"name"`
	Quantity  int         `json:"quantity"`
	UnitPrice money.Money `json:"unitPrice"`
}

// FailedItem describes one item that could not be reserved.
type FailedItem struct {
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// Compensation describes one compensating action attached to a cancellation.
type Compensation struct {
	Action       string            `json:"action"` // e.g. STOCK_RELEASE
	Target       string            `json:"target"` // e.g. inventory
	Reservations map[string]string `json:"reservations"`
}

const CompensationStockRelease = "STOCK_RELEASE"

// ---- inventory events ----

// StockReserved is emitted once per fully reserved order. Reservations maps
// productId to reservationId. The outbox ledger additionally records a
// per-product form with ProductID/ReservationID/Quantity set and an empty
// Reservations map; saga consumers act only on the batch form.
type StockReserved struct {
	Envelope
	OrderID       string            `json:"orderId"`
	ProductID     string            `json:"productId,omitempty"`
	ReservationID string            `json:"reservationId,omitempty"`
	Quantity      int               `json:"quantity,omitempty"`
	Reservations  map[string]string `json:"reservations,omitempty"`
	ExpiresAt     time.Time         `json:"expiresAt"`
}

func (e *StockReserved) Meta() *Envelope { return &e.Envelope }
func (e *StockReserved) TypeTag() string { return "platform.inventory.StockReservedEvent" }
func (e *StockReserved) Topic() string   { return TopicStockReserved }

// StockReleased is emitted per released reservation. Reason is one of
// "released", "expired" or "compensation".
type StockReleased struct {
	Envelope
	OrderID       string `json:"orderId"`
	ProductID     string `json:"productId"`
	ReservationID string `json:"reservationId"`
	Quantity      int    `json:"quantity"`
	Reason        string `json:"reason"`
}

func (e *StockReleased) Meta() *Envelope { return &e.Envelope }
func (e *StockReleased) TypeTag() string { return "platform.inventory.StockReleasedEvent" }
func (e *StockReleased) Topic() string   { return TopicStockReleased }

// StockDeducted is emitted when a reservation is confirmed into a deduction.
type StockDeducted struct {
	Envelope
	OrderID       string `json:"orderId"`
	ProductID     string `json:"productId"`
	ReservationID string `json:"reservationId"`
	Quantity      int    `json:"quantity"`
}

func (e *StockDeducted) Meta() *Envelope { return &e.Envelope }
func (e *StockDeducted) TypeTag() string { return "platform.inventory.StockDeductedEvent" }
func (e *StockDeducted) Topic() string   { return TopicStockDeducted }

// StockAdjusted is emitted on administrative total adjustments.
type StockAdjusted struct {
	Envelope
	ProductID string `json:"productId"`
	NewTotal  int    `json:"newTotal"`
	Reason    string `json:"reason"`
}

func (e *StockAdjusted) Meta() *Envelope { return &e.Envelope }
func (e *StockAdjusted) TypeTag() string { return "platform.inventory.StockAdjustedEvent" }
func (e *StockAdjusted) Topic() string   { return TopicStockAdjusted }

// InsufficientStock is emitted when a batch reservation fails.
type InsufficientStock struct {
	Envelope
	OrderID     string       `json:"orderId"`
	FailedItems []FailedItem `json:"failedItems"`
}

func (e *InsufficientStock) Meta() *Envelope { return &e.Envelope }
func (e *InsufficientStock) TypeTag() string {
	return "platform.inventory.InsufficientStockEvent"
}
func (e *InsufficientStock) Topic() string { return TopicInsufficientStock }

// LowStockAlert fires once per downward threshold crossing, deduped by the
// per-product crossing counter.
type LowStockAlert struct {
	Envelope
	ProductID string `json:"productId"`
	Available int    `json:"available"`
	Threshold int    `json:"threshold"`
	Crossing  int    `json:"crossing"`
}

func (e *LowStockAlert) Meta() *Envelope { return &e.Envelope }
func (e *LowStockAlert) TypeTag() string { return "platform.inventory.LowStockAlertEvent" }
func (e *LowStockAlert) Topic() string   { return TopicLowStock }

// ---- order events ----

type OrderCreated struct {
	Envelope
	OrderID     string      `json:"orderId"`
	CustomerID  string      `json:"customerId"`
	Items       []OrderItem `json:"items"`
	TotalAmount money.Money `json:"totalAmount"`
}

func (e *OrderCreated) Meta() *Envelope { return &e.Envelope }
func (e *OrderCreated) TypeTag() string { return "platform.orders.OrderCreatedEvent" }
func (e *OrderCreated) Topic() string   { return TopicOrderCreated }

type OrderConfirmed struct {
	Envelope
	OrderID     string      `json:"orderId"`
	CustomerID  string      `json:"customerId"`
	TotalAmount money.Money `json:"totalAmount"`
}

func (e *OrderConfirmed) Meta() *Envelope { return &e.Envelope }
func (e *OrderConfirmed) TypeTag() string { return "platform.orders.OrderConfirmedEvent" }
func (e *OrderConfirmed) Topic() string   { return TopicOrderConfirmed }

type OrderPaid struct {
	Envelope
	OrderID       string `json:"orderId"`
	TransactionID string `json:"transactionId"`
}

func (e *OrderPaid) Meta() *Envelope { return &e.Envelope }
func (e *OrderPaid) TypeTag() string { return "platform.orders.OrderPaidEvent" }
func (e *OrderPaid) Topic() string   { return TopicOrderPaid }

type OrderCancelled struct {
	Envelope
	OrderID       string         `json:"orderId"`
	Reason        string         `json:"reason"`
	Initiator     string         `json:"initiator"` // customer | system
	Compensations []Compensation `json:"compensations,omitempty"`
}

func (e *OrderCancelled) Meta() *Envelope { return &e.Envelope }
func (e *OrderCancelled) TypeTag() string { return "platform.orders.OrderCancelledEvent" }
func (e *OrderCancelled) Topic() string   { return TopicOrderCancelled }

type OrderCompleted struct {
	Envelope
	OrderID string `json:"orderId"`
}

func (e *OrderCompleted) Meta() *Envelope { return &e.Envelope }
func (e *OrderCompleted) TypeTag() string { return "platform.orders.OrderCompletedEvent" }
func (e *OrderCompleted) Topic() string   { return TopicOrderCompleted }

// ---- payment events ----

type PaymentCompleted struct {
	Envelope
	OrderID       string      `json:"orderId"`
	TransactionID string      `json:"transactionId"`
	Amount        money.Money `json:"amount"`
}

func (e *PaymentCompleted) Meta() *Envelope { return &e.Envelope }
func (e *PaymentCompleted) TypeTag() string { return "platform.payments.PaymentCompletedEvent" }
func (e *PaymentCompleted) Topic() string   { return TopicPaymentCompleted }

type PaymentFailed struct {
	Envelope
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

func (e *PaymentFailed) Meta() *Envelope { return &e.Envelope }
func (e *PaymentFailed) TypeTag() string { return "platform.payments.PaymentFailedEvent" }
func (e *PaymentFailed) Topic() string   { return TopicPaymentFailed }
