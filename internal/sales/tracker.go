package sales

import (
	"context"
	"fmt"
)

const qtyEpsilon = 1e-6

// RepositoryPort abstracts repository usage for the tracker.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, orderID int64) (SalesOrder, error)
	GetLine(ctx context.Context, lineID int64) (OrderLine, error)
	ListActiveOrders(ctx context.Context, search string) ([]SalesOrder, error)
	OrderLines(ctx context.Context, orderID int64) ([]OrderLine, error)
}

// TxRepository exposes the transactional tracker operations.
type TxRepository interface {
	LineForUpdate(ctx context.Context, lineID int64) (OrderLine, error)
	HasApplication(ctx context.Context, ref LineRef, reversal bool) (bool, error)
	InsertApplication(ctx context.Context, ref LineRef, lineID int64, qty float64, reversal bool) error
	AddDelivered(ctx context.Context, lineID int64, delta float64) (float64, error)
	OrderFullyDelivered(ctx context.Context, orderID int64) (bool, error)
	SetOrderStatus(ctx context.Context, orderID int64, status OrderStatus) error
}

// Tracker maintains delivered-to-date quantities and the derived order status.
type Tracker struct {
	repo RepositoryPort
}

// NewTracker builds the tracker service.
func NewTracker(repo RepositoryPort) *Tracker {
	return &Tracker{repo: repo}
}

// RecordDelivery adds qty to the line's delivered-to-date and returns the new
// remaining quantity. The application is keyed by the causing delivery line,
// so a retried call is a no-op returning the current remaining.
func (t *Tracker) RecordDelivery(ctx context.Context, ref LineRef, lineID int64, qty float64) (float64, error) {
	return t.apply(ctx, ref, lineID, qty, false)
}

// ReverseDelivery subtracts qty from the line's delivered-to-date, used when a
// released delivery order is voided. Idempotent per ref like RecordDelivery.
func (t *Tracker) ReverseDelivery(ctx context.Context, ref LineRef, lineID int64, qty float64) (float64, error) {
	return t.apply(ctx, ref, lineID, qty, true)
}

func (t *Tracker) apply(ctx context.Context, ref LineRef, lineID int64, qty float64, reversal bool) (float64, error) {
	if ref.Module == "" || ref.LineID == 0 {
		return 0, ErrMissingRef
	}
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	var remaining float64
	err := t.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		applied, err := tx.HasApplication(ctx, ref, reversal)
		if err != nil {
			return err
		}
		line, err := tx.LineForUpdate(ctx, lineID)
		if err != nil {
			return err
		}
		if applied {
			remaining = line.Remaining()
			return nil
		}
		delta := qty
		if reversal {
			delta = -qty
		}
		next := line.DeliveredQty + delta
		if next > line.OrderedQty+qtyEpsilon {
			return fmt.Errorf("%w: line %d delivered %.4f + %.4f > ordered %.4f",
				ErrOverDelivery, lineID, line.DeliveredQty, qty, line.OrderedQty)
		}
		if next < -qtyEpsilon {
			return fmt.Errorf("%w: line %d delivered %.4f - %.4f < 0",
				ErrOverReversal, lineID, line.DeliveredQty, qty)
		}
		delivered, err := tx.AddDelivered(ctx, lineID, delta)
		if err != nil {
			return err
		}
		if err := tx.InsertApplication(ctx, ref, lineID, qty, reversal); err != nil {
			return err
		}
		remaining = line.OrderedQty - delivered
		return nil
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// DeriveOrderStatus recomputes and persists the order's active/closed state
// from delivery completeness. Cancelled orders are left alone.
func (t *Tracker) DeriveOrderStatus(ctx context.Context, orderID int64) (OrderStatus, error) {
	order, err := t.repo.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order.Status == OrderStatusCancelled {
		return OrderStatusCancelled, nil
	}
	var status OrderStatus
	err = t.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		full, err := tx.OrderFullyDelivered(ctx, orderID)
		if err != nil {
			return err
		}
		status = OrderStatusActive
		if full {
			status = OrderStatusClosed
		}
		if status == order.Status {
			return nil
		}
		return tx.SetOrderStatus(ctx, orderID, status)
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// Order returns one sales order header.
func (t *Tracker) Order(ctx context.Context, orderID int64) (SalesOrder, error) {
	return t.repo.GetOrder(ctx, orderID)
}

// Line returns one sales order line with its current delivered quantity.
func (t *Tracker) Line(ctx context.Context, lineID int64) (OrderLine, error) {
	return t.repo.GetLine(ctx, lineID)
}

// ListActiveOrders lists orders still open for delivery, optionally filtered
// by a search term over document number and customer name.
func (t *Tracker) ListActiveOrders(ctx context.Context, search string) ([]SalesOrder, error) {
	return t.repo.ListActiveOrders(ctx, search)
}

// OrderLines lists all lines of one order with remaining quantities.
func (t *Tracker) OrderLines(ctx context.Context, orderID int64) ([]OrderLine, error) {
	return t.repo.OrderLines(ctx, orderID)
}
