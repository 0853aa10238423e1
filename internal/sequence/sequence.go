// Package sequence issues monotonically increasing document numbers scoped by
// calendar month.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ScopeDeliveryOrder is the sequence scope for delivery order codes.
const ScopeDeliveryOrder = "DO"

// maxPerPeriod is the highest sequence number a 4-digit code can carry.
const maxPerPeriod = 9999

// ErrExhausted indicates the monthly sequence ran past its 4-digit capacity.
// Codes never wrap; operator intervention is required for that month.
var ErrExhausted = errors.New("sequence: monthly capacity exhausted")

// Period is the calendar-month key a sequence is scoped to.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf derives the period from a document date.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// String renders the period as YYYY-MM, used as the storage key.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Generator hands out the next number in a strictly increasing, gap-tolerant
// sequence per (scope, period), starting at 1. Implementations must be safe
// under concurrent callers for the same key.
type Generator interface {
	Next(ctx context.Context, scope string, period Period) (int, error)
}

// FormatDOCode renders the external delivery order code contract:
// DO/{4-digit year}/{2-digit month}/{4-digit zero-padded sequence}.
func FormatDOCode(period Period, seq int) string {
	return fmt.Sprintf("%s/%04d/%02d/%04d", ScopeDeliveryOrder, period.Year, int(period.Month), seq)
}
