// Package orders implements the delivery order lifecycle: drafting against a
// sales order, releasing stock through the inventory ledger, and voiding with
// reversing movements. Release and void are multi-step flows where every step
// is idempotent, so an interrupted run can be resumed without double effects.
package orders

import (
	"time"

	"github.com/google/uuid"
)

// RefModule tags ledger entries and delivered-quantity applications caused by
// delivery orders.
const RefModule = "DO"

// Status is the delivery order lifecycle state.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusReleased  Status = "RELEASED"
	StatusInvoiced  Status = "INVOICED"
	StatusCancelled Status = "CANCELLED"
	StatusClosed    Status = "CLOSED"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusReleased, StatusInvoiced, StatusCancelled, StatusClosed:
		return true
	}
	return false
}

// CanEditHeader reports whether header fields may still change.
func (s Status) CanEditHeader() bool {
	return s == StatusDraft || s == StatusReleased
}

// CanEditLines reports whether lines may still change.
func (s Status) CanEditLines() bool {
	return s == StatusDraft
}

// CanRelease reports whether the order may move to RELEASED.
func (s Status) CanRelease() bool {
	return s == StatusDraft
}

// CanVoid reports whether the order may move to CANCELLED.
func (s Status) CanVoid() bool {
	return s == StatusDraft || s == StatusReleased
}

// CanInvoice reports whether the order may move to INVOICED.
func (s Status) CanInvoice() bool {
	return s == StatusReleased
}

// CanClose reports whether the order may move to CLOSED.
func (s Status) CanClose() bool {
	return s == StatusInvoiced
}

// Terminal reports whether no further transition exists from s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusClosed
}

// DeliveryOrder is the header of one outbound shipment document.
type DeliveryOrder struct {
	ID            int64      `json:"id" db:"id"`
	Code          string     `json:"code" db:"code"`
	SalesOrderID  int64      `json:"sales_order_id" db:"sales_order_id"`
	CustomerID    int64      `json:"customer_id" db:"customer_id"`
	CustomerName  string     `json:"customer_name" db:"customer_name"`
	DeliveryDate  time.Time  `json:"delivery_date" db:"delivery_date"`
	CarrierID     *int64     `json:"carrier_id,omitempty" db:"carrier_id"`
	Notes         string     `json:"notes,omitempty" db:"notes"`
	Status        Status     `json:"status" db:"status"`
	TotalQuantity float64    `json:"total_quantity" db:"total_quantity"`
	TotalAmount   float64    `json:"total_amount" db:"total_amount"`
	CancelReason  string     `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedBy     int64      `json:"created_by" db:"created_by"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	ReleasedAt    *time.Time `json:"released_at,omitempty" db:"released_at"`
	InvoicedAt    *time.Time `json:"invoiced_at,omitempty" db:"invoiced_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	Lines         []Line     `json:"lines,omitempty" db:"-"`
	Events        []Event    `json:"events,omitempty" db:"-"`
}

// RecomputeTotals refreshes the cached header aggregates from the lines.
func (d *DeliveryOrder) RecomputeTotals() {
	d.TotalQuantity = 0
	d.TotalAmount = 0
	for _, l := range d.Lines {
		d.TotalQuantity += l.Quantity
		d.TotalAmount += l.LineAmount
	}
}

// Line is one shipped position. Ordered, delivered-to-date, remaining and
// stock are snapshots taken when the line was last written; the live values
// are re-read from the sales tracker and the ledger at release time.
type Line struct {
	ID               int64   `json:"id" db:"id"`
	DeliveryOrderID  int64   `json:"delivery_order_id" db:"delivery_order_id"`
	SalesOrderLineID int64   `json:"sales_order_line_id" db:"sales_order_line_id"`
	ProductID        int64   `json:"product_id" db:"product_id"`
	ProductCode      string  `json:"product_code" db:"product_code"`
	ProductName      string  `json:"product_name" db:"product_name"`
	UOM              string  `json:"uom" db:"uom"`
	WarehouseID      int64   `json:"warehouse_id" db:"warehouse_id"`
	Quantity         float64 `json:"quantity" db:"quantity"`
	OrderedQty       float64 `json:"ordered_qty" db:"ordered_qty"`
	DeliveredToDate  float64 `json:"delivered_to_date" db:"delivered_to_date"`
	RemainingQty     float64 `json:"remaining_qty" db:"remaining_qty"`
	StockAvailable   float64 `json:"stock_available" db:"stock_available"`
	UnitPrice        float64 `json:"unit_price" db:"unit_price"`
	Discount         float64 `json:"discount" db:"discount"`
	LineAmount       float64 `json:"line_amount" db:"line_amount"`
}

// Event is one entry of the per-document history trail.
type Event struct {
	ID              uuid.UUID `json:"id" db:"id"`
	DeliveryOrderID int64     `json:"delivery_order_id" db:"delivery_order_id"`
	Action          string    `json:"action" db:"action"`
	Detail          string    `json:"detail,omitempty" db:"detail"`
	ActorID         int64     `json:"actor_id" db:"actor_id"`
	OccurredAt      time.Time `json:"occurred_at" db:"occurred_at"`
}

// Event actions recorded on the document trail.
const (
	EventCreated       = "created"
	EventUpdated       = "updated"
	EventReleased      = "released"
	EventVoidRequested = "void_requested"
	EventCancelled     = "cancelled"
	EventInvoiced      = "invoiced"
	EventClosed        = "closed"
)
