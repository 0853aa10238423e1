package orders

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the delivery order does not exist.
	ErrNotFound = errors.New("delivery order not found")
	// ErrInvalidTransition indicates the requested lifecycle change is not
	// allowed from the current status.
	ErrInvalidTransition = errors.New("invalid delivery order transition")
	// ErrNotDeletable indicates deletion was attempted past draft.
	ErrNotDeletable = errors.New("only draft delivery orders can be deleted")
	// ErrStockConflict indicates stock drifted between validation and
	// release, typically because a concurrent document consumed it first.
	ErrStockConflict = errors.New("stock changed since validation")
	// ErrNoLines indicates a release or create without any line.
	ErrNoLines = errors.New("delivery order requires at least one line")
	// ErrOrderNotDeliverable indicates the sales order is not active.
	ErrOrderNotDeliverable = errors.New("sales order is not deliverable")
	// ErrReasonRequired indicates a void without a usable reason.
	ErrReasonRequired = errors.New("cancellation reason must be at least 10 characters")
	// ErrCodeExhausted surfaces sequence capacity for the requested month.
	ErrCodeExhausted = errors.New("delivery order numbering exhausted for period")
)

// LineErrorCode identifies one class of per-line validation failure.
type LineErrorCode string

const (
	CodeLineNotFound       LineErrorCode = "LINE_NOT_FOUND"
	CodeInvalidQuantity    LineErrorCode = "INVALID_QUANTITY"
	CodeMissingWarehouse   LineErrorCode = "MISSING_WAREHOUSE"
	CodeExceedsRemaining   LineErrorCode = "QUANTITY_EXCEEDS_REMAINING"
	CodeInsufficientStock  LineErrorCode = "INSUFFICIENT_STOCK"
	CodeDuplicateOrderLine LineErrorCode = "DUPLICATE_ORDER_LINE"
)

// LineError is one itemized validation failure.
type LineError struct {
	Index            int           `json:"index"`
	SalesOrderLineID int64         `json:"sales_order_line_id,omitempty"`
	Code             LineErrorCode `json:"code"`
	Message          string        `json:"message"`
}

// ValidationError aggregates every failing line so the caller sees the whole
// picture in one response instead of fixing lines one at a time.
type ValidationError struct {
	Lines []LineError
}

// Error lists each failing line.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, le := range e.Lines {
		parts = append(parts, fmt.Sprintf("line %d: %s", le.Index, le.Message))
	}
	return "delivery order validation failed: " + strings.Join(parts, "; ")
}

// HasStockIssue reports whether any failure is stock-related.
func (e *ValidationError) HasStockIssue() bool {
	for _, le := range e.Lines {
		if le.Code == CodeInsufficientStock {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(index int, soLineID int64, code LineErrorCode, format string, args ...any) {
	e.Lines = append(e.Lines, LineError{
		Index:            index,
		SalesOrderLineID: soLineID,
		Code:             code,
		Message:          fmt.Sprintf(format, args...),
	})
}

func (e *ValidationError) orNil() error {
	if len(e.Lines) == 0 {
		return nil
	}
	return e
}
