// Package inventory maintains the append-only stock movement ledger. Current
// stock for a (product, warehouse) pair is always a fold over the ledger,
// never a mutable counter.
package inventory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Entry is an immutable stock movement fact. Entries are never updated or
// deleted; corrections are new entries with the opposite sign.
type Entry struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ProductID   int64     `json:"product_id" db:"product_id"`
	WarehouseID int64     `json:"warehouse_id" db:"warehouse_id"`
	Quantity    float64   `json:"quantity" db:"quantity"` // signed, negative = outbound
	UnitPrice   float64   `json:"unit_price" db:"unit_price"`
	Amount      float64   `json:"amount" db:"amount"`
	RefModule   string    `json:"ref_module" db:"ref_module"`
	RefDocID    int64     `json:"ref_doc_id" db:"ref_doc_id"`
	RefLineID   int64     `json:"ref_line_id" db:"ref_line_id"`
	PostedAt    time.Time `json:"posted_at" db:"posted_at"`
	CreatedBy   int64     `json:"created_by" db:"created_by"`
}

// Outbound reports whether the entry consumes stock.
func (e Entry) Outbound() bool {
	return e.Quantity < 0
}

// Key identifies one stock position.
type Key struct {
	ProductID   int64
	WarehouseID int64
}

// Ref identifies the document an Append call originates from. Appends are
// idempotent per (ref, direction).
type Ref struct {
	Module string
	DocID  int64
}

// HistoryFilter selects ledger entries for replay, in append order.
type HistoryFilter struct {
	ProductID   int64
	WarehouseID int64
	From        time.Time
	To          time.Time
	Limit       int
}

var (
	// ErrInsufficientStock is returned when an outbound movement would drive
	// a stock position negative.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInvalidQuantity indicates a zero movement quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be non zero")
	// ErrInvalidUnitPrice indicates a negative unit price.
	ErrInvalidUnitPrice = errors.New("inventory: unit price must be >= 0")
	// ErrMixedDirection indicates one Append carried both inbound and
	// outbound entries, which would break per-ref idempotency.
	ErrMixedDirection = errors.New("inventory: entries in one append must share direction")
	// ErrMissingRef indicates an Append without a causing document reference.
	ErrMissingRef = errors.New("inventory: document reference required")
)
