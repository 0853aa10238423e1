package orders

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// MarkInvoiced moves a released document to INVOICED, recorded when billing
// picks the shipment up. Idempotent for a document already invoiced.
func (e *Engine) MarkInvoiced(ctx context.Context, id, actorID int64) (*DeliveryOrder, error) {
	return e.advance(ctx, id, actorID, StatusReleased, StatusInvoiced, EventInvoiced)
}

// MarkClosed moves an invoiced document to CLOSED, the end of the happy path.
// Idempotent for a document already closed.
func (e *Engine) MarkClosed(ctx context.Context, id, actorID int64) (*DeliveryOrder, error) {
	return e.advance(ctx, id, actorID, StatusInvoiced, StatusClosed, EventClosed)
}

func (e *Engine) advance(ctx context.Context, id, actorID int64, from, to Status, action string) (*DeliveryOrder, error) {
	release, err := e.locks.Acquire(ctx, shared.DeliveryLockKey(id))
	if err != nil {
		return nil, err
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	do, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if do.Status == to {
		return do, nil
	}
	if do.Status != from {
		return nil, fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidTransition, do.Status, to)
	}

	now := e.now()
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		flipped, err := tx.TransitionStatus(ctx, id, from, to, now)
		if err != nil || !flipped {
			return err
		}
		return tx.InsertEvent(ctx, e.event(id, action, "", actorID))
	})
	if err != nil {
		return nil, err
	}

	e.auditRecord(ctx, actorID, "delivery_order."+action, id, map[string]any{"code": do.Code})
	e.logger.InfoContext(ctx, "delivery order "+action, slog.Int64("id", id), slog.String("code", do.Code))
	return e.repo.GetByID(ctx, id)
}
