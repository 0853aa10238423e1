// Package sales tracks cumulative delivered quantity per sales order line and
// derives the owning order's status. The delivery engine is the only writer of
// delivered quantities and of the active/closed transition.
package sales

import (
	"errors"
	"time"
)

// OrderStatus is the lifecycle of a sales order as seen by delivery.
type OrderStatus string

const (
	OrderStatusActive    OrderStatus = "ACTIVE"
	OrderStatusClosed    OrderStatus = "CLOSED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// SalesOrder is the upstream commercial order being fulfilled.
type SalesOrder struct {
	ID           int64       `json:"id" db:"id"`
	DocNumber    string      `json:"doc_number" db:"doc_number"`
	CustomerID   int64       `json:"customer_id" db:"customer_id"`
	CustomerName string      `json:"customer_name" db:"customer_name"`
	Status       OrderStatus `json:"status" db:"status"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
	Lines        []OrderLine `json:"lines,omitempty" db:"-"`
}

// OrderLine carries the ordered and delivered-to-date quantities the delivery
// engine validates against.
type OrderLine struct {
	ID           int64   `json:"id" db:"id"`
	SalesOrderID int64   `json:"sales_order_id" db:"sales_order_id"`
	ProductID    int64   `json:"product_id" db:"product_id"`
	ProductCode  string  `json:"product_code" db:"product_code"`
	ProductName  string  `json:"product_name" db:"product_name"`
	UOM          string  `json:"uom" db:"uom"`
	UnitPrice    float64 `json:"unit_price" db:"unit_price"`
	OrderedQty   float64 `json:"ordered_qty" db:"ordered_qty"`
	DeliveredQty float64 `json:"delivered_qty" db:"delivered_qty"`
}

// Remaining is ordered minus delivered to date.
func (l OrderLine) Remaining() float64 {
	return l.OrderedQty - l.DeliveredQty
}

// LineRef identifies the delivery order line causing a delivered-quantity
// application. Applications are idempotent per (ref, direction).
type LineRef struct {
	Module string
	LineID int64
}

var (
	// ErrOrderNotFound indicates the sales order does not exist.
	ErrOrderNotFound = errors.New("sales: order not found")
	// ErrLineNotFound indicates the sales order line does not exist.
	ErrLineNotFound = errors.New("sales: order line not found")
	// ErrOverDelivery indicates delivered quantity would exceed ordered. The
	// engine validates before calling, so hitting this is a caller bug.
	ErrOverDelivery = errors.New("sales: delivered quantity would exceed ordered")
	// ErrOverReversal indicates delivered quantity would drop below zero.
	ErrOverReversal = errors.New("sales: delivered quantity would drop below zero")
	// ErrInvalidQuantity indicates a non-positive application quantity.
	ErrInvalidQuantity = errors.New("sales: quantity must be greater than zero")
	// ErrMissingRef indicates an application without a causing delivery line.
	ErrMissingRef = errors.New("sales: delivery line reference required")
)
