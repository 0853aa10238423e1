package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/sales"
	"github.com/meridian-erp/meridian-erp/internal/sequence"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// SystemActor is recorded on effects applied by crash recovery rather than a
// user request.
const SystemActor int64 = 0

// LedgerPort is the slice of the inventory ledger the engine needs.
type LedgerPort interface {
	Append(ctx context.Context, ref inventory.Ref, entries []inventory.Entry) (bool, error)
	Applied(ctx context.Context, ref inventory.Ref, outbound bool) (bool, error)
	StockFor(ctx context.Context, keys []inventory.Key) (map[inventory.Key]float64, error)
}

// TrackerPort is the slice of the sales tracker the engine needs.
type TrackerPort interface {
	Order(ctx context.Context, orderID int64) (sales.SalesOrder, error)
	Line(ctx context.Context, lineID int64) (sales.OrderLine, error)
	RecordDelivery(ctx context.Context, ref sales.LineRef, lineID int64, qty float64) (float64, error)
	ReverseDelivery(ctx context.Context, ref sales.LineRef, lineID int64, qty float64) (float64, error)
	DeriveOrderStatus(ctx context.Context, orderID int64) (sales.OrderStatus, error)
}

// ReleaseObserver receives release outcomes for metrics.
type ReleaseObserver interface {
	ObserveRelease(outcome string)
}

// Engine drives the delivery order lifecycle. Release and void run as ordered
// idempotent steps under a per-document lock: the ledger batch, the
// delivered-quantity applications and the guarded status flip can each be
// retried without double effects, which is what lets Recover finish a flow
// the process died in the middle of.
type Engine struct {
	repo    Repository
	ledger  LedgerPort
	tracker TrackerPort
	seq     sequence.Generator
	locks   shared.Locker
	logger  *slog.Logger

	audit   shared.Auditor
	metrics ReleaseObserver
	now     func() time.Time
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithAuditor records lifecycle actions into the global audit log.
func WithAuditor(a shared.Auditor) Option {
	return func(e *Engine) { e.audit = a }
}

// WithMetrics reports release outcomes.
func WithMetrics(m ReleaseObserver) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the delivery order engine.
func NewEngine(repo Repository, ledger LedgerPort, tracker TrackerPort, seq sequence.Generator, locks shared.Locker, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		repo:    repo,
		ledger:  ledger,
		tracker: tracker,
		seq:     seq,
		locks:   locks,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create validates the request against the live sales order and stock, draws
// the next document code for the delivery month and persists the draft.
func (e *Engine) Create(ctx context.Context, req CreateRequest, actorID int64) (*DeliveryOrder, error) {
	so, err := e.tracker.Order(ctx, req.SalesOrderID)
	if errors.Is(err, sales.ErrOrderNotFound) {
		return nil, fmt.Errorf("%w: sales order %d not found", ErrOrderNotDeliverable, req.SalesOrderID)
	}
	if err != nil {
		return nil, err
	}
	if so.Status != sales.OrderStatusActive {
		return nil, fmt.Errorf("%w: sales order %d is %s", ErrOrderNotDeliverable, so.ID, so.Status)
	}
	lines, err := e.buildLines(ctx, so, req.Lines)
	if err != nil {
		return nil, err
	}

	period := sequence.PeriodOf(req.DeliveryDate)
	seq, err := e.seq.Next(ctx, sequence.ScopeDeliveryOrder, period)
	if errors.Is(err, sequence.ErrExhausted) {
		return nil, fmt.Errorf("%w: %s", ErrCodeExhausted, period)
	}
	if err != nil {
		return nil, err
	}

	now := e.now()
	do := &DeliveryOrder{
		Code:         sequence.FormatDOCode(period, seq),
		SalesOrderID: so.ID,
		CustomerID:   so.CustomerID,
		CustomerName: so.CustomerName,
		DeliveryDate: req.DeliveryDate,
		CarrierID:    req.CarrierID,
		Notes:        req.Notes,
		Status:       StatusDraft,
		CreatedBy:    actorID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Lines:        lines,
	}
	do.RecomputeTotals()

	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertHeader(ctx, do); err != nil {
			return err
		}
		if err := tx.InsertLines(ctx, do.ID, do.Lines); err != nil {
			return err
		}
		return tx.InsertEvent(ctx, e.event(do.ID, EventCreated, "code "+do.Code, actorID))
	})
	if err != nil {
		return nil, err
	}

	e.auditRecord(ctx, actorID, "delivery_order.create", do.ID, map[string]any{"code": do.Code})
	e.logger.InfoContext(ctx, "delivery order created",
		slog.Int64("id", do.ID), slog.String("code", do.Code), slog.Int64("sales_order_id", so.ID))
	return do, nil
}

// Get loads one delivery order with lines and events.
func (e *Engine) Get(ctx context.Context, id int64) (*DeliveryOrder, error) {
	return e.repo.GetByID(ctx, id)
}

// GetByCode loads one delivery order by document code.
func (e *Engine) GetByCode(ctx context.Context, code string) (*DeliveryOrder, error) {
	return e.repo.GetByCode(ctx, code)
}

// List pages delivery orders.
func (e *Engine) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	return e.repo.List(ctx, filter)
}

// Update patches a delivery order. Header fields stay editable until the
// document reaches a terminal or invoiced state; lines are frozen once
// released because stock has moved.
func (e *Engine) Update(ctx context.Context, id int64, req UpdateRequest, actorID int64) (*DeliveryOrder, error) {
	release, err := e.locks.Acquire(ctx, shared.DeliveryLockKey(id))
	if err != nil {
		return nil, err
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	do, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !do.Status.CanEditHeader() {
		return nil, fmt.Errorf("%w: cannot edit a %s delivery order", ErrInvalidTransition, do.Status)
	}
	if req.Lines != nil && !do.Status.CanEditLines() {
		return nil, fmt.Errorf("%w: lines are frozen after release", ErrInvalidTransition)
	}

	if req.DeliveryDate != nil {
		do.DeliveryDate = *req.DeliveryDate
	}
	if req.CarrierID != nil {
		do.CarrierID = req.CarrierID
	}
	if req.Notes != nil {
		do.Notes = *req.Notes
	}
	if req.Lines != nil {
		so, err := e.tracker.Order(ctx, do.SalesOrderID)
		if err != nil {
			return nil, err
		}
		if so.Status != sales.OrderStatusActive {
			return nil, fmt.Errorf("%w: sales order %d is %s", ErrOrderNotDeliverable, so.ID, so.Status)
		}
		lines, err := e.buildLines(ctx, so, *req.Lines)
		if err != nil {
			return nil, err
		}
		do.Lines = lines
	}
	do.RecomputeTotals()
	do.UpdatedAt = e.now()

	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateHeader(ctx, do); err != nil {
			return err
		}
		if req.Lines != nil {
			if err := tx.DeleteLines(ctx, id); err != nil {
				return err
			}
			if err := tx.InsertLines(ctx, id, do.Lines); err != nil {
				return err
			}
		}
		return tx.InsertEvent(ctx, e.event(id, EventUpdated, "", actorID))
	})
	if err != nil {
		return nil, err
	}

	e.auditRecord(ctx, actorID, "delivery_order.update", id, nil)
	return do, nil
}

// Delete removes a draft delivery order entirely. Only drafts without any
// applied ledger effects qualify, so deletion touches the document tables
// alone.
func (e *Engine) Delete(ctx context.Context, id, actorID int64) error {
	release, err := e.locks.Acquire(ctx, shared.DeliveryLockKey(id))
	if err != nil {
		return err
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	do, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if do.Status != StatusDraft {
		return fmt.Errorf("%w: status %s", ErrNotDeletable, do.Status)
	}
	// A draft whose release crashed after the ledger step already moved
	// stock. Deleting it would orphan those entries, so it has to be voided
	// or released instead.
	applied, err := e.ledger.Applied(ctx, inventory.Ref{Module: RefModule, DocID: id}, true)
	if err != nil {
		return err
	}
	if applied {
		return fmt.Errorf("%w: document has inventory effects, void it instead", ErrNotDeletable)
	}
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteOrder(ctx, id)
	})
	if err != nil {
		return err
	}
	e.auditRecord(ctx, actorID, "delivery_order.delete", id, map[string]any{"code": do.Code})
	e.logger.InfoContext(ctx, "delivery order deleted", slog.Int64("id", id), slog.String("code", do.Code))
	return nil
}

// Release moves a draft to RELEASED: writes the outbound ledger batch, adds
// the delivered quantities to the sales order lines, derives the sales order
// status and flips the document. Calling it on an already released document
// is a no-op; calling it again after a mid-flow crash completes the
// remaining steps.
func (e *Engine) Release(ctx context.Context, id, actorID int64) (*DeliveryOrder, error) {
	release, err := e.locks.Acquire(ctx, shared.DeliveryLockKey(id))
	if err != nil {
		return nil, err
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	do, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if do.Status == StatusReleased {
		return do, nil
	}
	if !do.Status.CanRelease() {
		return nil, fmt.Errorf("%w: cannot release from %s", ErrInvalidTransition, do.Status)
	}
	if len(do.Lines) == 0 {
		return nil, ErrNoLines
	}

	// Serialise against every other document delivering for the same sales
	// order, so remaining-quantity validation and the delivery recording
	// cannot interleave across documents.
	soRelease, err := e.locks.Acquire(ctx, shared.SalesOrderLockKey(do.SalesOrderID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = soRelease(context.WithoutCancel(ctx)) }()

	ref := inventory.Ref{Module: RefModule, DocID: id}
	resumed, err := e.ledger.Applied(ctx, ref, true)
	if err != nil {
		return nil, err
	}
	if !resumed {
		if err := e.revalidate(ctx, do); err != nil {
			e.observeRelease("rejected")
			var verr *ValidationError
			if errors.As(err, &verr) && verr.HasStockIssue() {
				return nil, fmt.Errorf("%w: %w", ErrStockConflict, err)
			}
			return nil, err
		}
	} else {
		e.logger.WarnContext(ctx, "resuming interrupted release", slog.Int64("id", id), slog.String("code", do.Code))
	}

	if err := e.finishRelease(ctx, do, actorID); err != nil {
		if errors.Is(err, inventory.ErrInsufficientStock) {
			e.observeRelease("stock_conflict")
			return nil, fmt.Errorf("%w: %w", ErrStockConflict, err)
		}
		return nil, err
	}

	e.observeRelease("released")
	e.auditRecord(ctx, actorID, "delivery_order.release", id, map[string]any{"code": do.Code})
	e.logger.InfoContext(ctx, "delivery order released", slog.Int64("id", id), slog.String("code", do.Code))
	return e.repo.GetByID(ctx, id)
}

// Void cancels a delivery order. Drafts cancel in place; released documents
// get their stock returned by reversing inbound entries and their delivered
// quantities rolled back before the flip. Voiding an already cancelled
// document is a no-op.
func (e *Engine) Void(ctx context.Context, id int64, reason string, actorID int64) (*DeliveryOrder, error) {
	if len(strings.TrimSpace(reason)) < 10 {
		return nil, ErrReasonRequired
	}
	release, err := e.locks.Acquire(ctx, shared.DeliveryLockKey(id))
	if err != nil {
		return nil, err
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	do, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if do.Status == StatusCancelled {
		return do, nil
	}
	if !do.Status.CanVoid() {
		return nil, fmt.Errorf("%w: cannot void from %s", ErrInvalidTransition, do.Status)
	}

	soRelease, err := e.locks.Acquire(ctx, shared.SalesOrderLockKey(do.SalesOrderID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = soRelease(context.WithoutCancel(ctx)) }()

	if do.Status == StatusDraft {
		// A draft can carry an applied outbound batch when a release crashed
		// between the ledger step and the status flip. Complete the release
		// first, then reverse through the released path below, so the batch
		// is never orphaned by the cancellation.
		applied, err := e.ledger.Applied(ctx, inventory.Ref{Module: RefModule, DocID: id}, true)
		if err != nil {
			return nil, err
		}
		if !applied {
			now := e.now()
			err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				if err := tx.SetCancelReason(ctx, id, reason); err != nil {
					return err
				}
				if _, err := tx.TransitionStatus(ctx, id, StatusDraft, StatusCancelled, now); err != nil {
					return err
				}
				return tx.InsertEvent(ctx, e.event(id, EventCancelled, reason, actorID))
			})
			if err != nil {
				return nil, err
			}
			e.auditRecord(ctx, actorID, "delivery_order.void", id, map[string]any{"code": do.Code, "reason": reason})
			return e.repo.GetByID(ctx, id)
		}
		e.logger.WarnContext(ctx, "completing interrupted release before void", slog.Int64("id", id), slog.String("code", do.Code))
		if err := e.finishRelease(ctx, do, actorID); err != nil {
			return nil, err
		}
		do, err = e.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	// Persist the intent first so a crash mid-reversal leaves enough state
	// for Recover to finish with the original reason.
	if do.CancelReason == "" {
		err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := tx.SetCancelReason(ctx, id, reason); err != nil {
				return err
			}
			return tx.InsertEvent(ctx, e.event(id, EventVoidRequested, reason, actorID))
		})
		if err != nil {
			return nil, err
		}
	}
	if err := e.finishVoid(ctx, do, actorID); err != nil {
		return nil, err
	}
	e.auditRecord(ctx, actorID, "delivery_order.void", id, map[string]any{"code": do.Code, "reason": reason})
	e.logger.InfoContext(ctx, "delivery order voided", slog.Int64("id", id), slog.String("code", do.Code))
	return e.repo.GetByID(ctx, id)
}

// finishRelease applies the release side effects for a validated draft:
// outbound ledger batch, delivered quantities, sales order status, status
// flip. Every step is ref-idempotent, so it also serves as the resume path
// after a crash. Callers hold the document and sales order locks.
func (e *Engine) finishRelease(ctx context.Context, do *DeliveryOrder, actorID int64) error {
	ref := inventory.Ref{Module: RefModule, DocID: do.ID}
	if _, err := e.ledger.Append(ctx, ref, e.outboundEntries(do, actorID)); err != nil {
		return err
	}
	for _, l := range do.Lines {
		lineRef := sales.LineRef{Module: RefModule, LineID: l.ID}
		if _, err := e.tracker.RecordDelivery(ctx, lineRef, l.SalesOrderLineID, l.Quantity); err != nil {
			return err
		}
	}
	if _, err := e.tracker.DeriveOrderStatus(ctx, do.SalesOrderID); err != nil {
		return err
	}
	now := e.now()
	return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		flipped, err := tx.TransitionStatus(ctx, do.ID, StatusDraft, StatusReleased, now)
		if err != nil || !flipped {
			return err
		}
		return tx.InsertEvent(ctx, e.event(do.ID, EventReleased, "", actorID))
	})
}

// finishVoid applies the reversal steps for a released document. Every step
// is idempotent, so it also serves as the resume path after a crash.
func (e *Engine) finishVoid(ctx context.Context, do *DeliveryOrder, actorID int64) error {
	ref := inventory.Ref{Module: RefModule, DocID: do.ID}
	if _, err := e.ledger.Append(ctx, ref, e.inboundEntries(do, actorID)); err != nil {
		return err
	}
	for _, l := range do.Lines {
		lineRef := sales.LineRef{Module: RefModule, LineID: l.ID}
		if _, err := e.tracker.ReverseDelivery(ctx, lineRef, l.SalesOrderLineID, l.Quantity); err != nil {
			return err
		}
	}
	if _, err := e.tracker.DeriveOrderStatus(ctx, do.SalesOrderID); err != nil {
		return err
	}
	now := e.now()
	return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		flipped, err := tx.TransitionStatus(ctx, do.ID, StatusReleased, StatusCancelled, now)
		if err != nil || !flipped {
			return err
		}
		return tx.InsertEvent(ctx, e.event(do.ID, EventCancelled, do.CancelReason, actorID))
	})
}

// Recover finishes release and void flows interrupted by a crash. A draft
// with outbound ledger entries was mid-release; a released document with
// inbound entries was mid-void. Both resume through the normal idempotent
// paths.
func (e *Engine) Recover(ctx context.Context) error {
	var errs []error

	drafts, err := e.repo.IDsByStatus(ctx, StatusDraft)
	if err != nil {
		return err
	}
	for _, id := range drafts {
		applied, err := e.ledger.Applied(ctx, inventory.Ref{Module: RefModule, DocID: id}, true)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !applied {
			continue
		}
		e.logger.WarnContext(ctx, "recovering interrupted release", slog.Int64("id", id))
		if _, err := e.Release(ctx, id, SystemActor); err != nil {
			errs = append(errs, fmt.Errorf("recover release %d: %w", id, err))
		}
	}

	released, err := e.repo.IDsByStatus(ctx, StatusReleased)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, id := range released {
		applied, err := e.ledger.Applied(ctx, inventory.Ref{Module: RefModule, DocID: id}, false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !applied {
			continue
		}
		e.logger.WarnContext(ctx, "recovering interrupted void", slog.Int64("id", id))
		if err := e.recoverVoid(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("recover void %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// recoverVoid re-runs the reversal steps for one document under the same
// locks the live void path holds.
func (e *Engine) recoverVoid(ctx context.Context, id int64) error {
	release, err := e.locks.Acquire(ctx, shared.DeliveryLockKey(id))
	if err != nil {
		return err
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	do, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	soRelease, err := e.locks.Acquire(ctx, shared.SalesOrderLockKey(do.SalesOrderID))
	if err != nil {
		return err
	}
	defer func() { _ = soRelease(context.WithoutCancel(ctx)) }()

	return e.finishVoid(ctx, do, SystemActor)
}

func (e *Engine) outboundEntries(do *DeliveryOrder, actorID int64) []inventory.Entry {
	entries := make([]inventory.Entry, 0, len(do.Lines))
	for _, l := range do.Lines {
		entries = append(entries, inventory.Entry{
			ProductID:   l.ProductID,
			WarehouseID: l.WarehouseID,
			Quantity:    -l.Quantity,
			UnitPrice:   l.UnitPrice,
			RefLineID:   l.ID,
			CreatedBy:   actorID,
		})
	}
	return entries
}

func (e *Engine) inboundEntries(do *DeliveryOrder, actorID int64) []inventory.Entry {
	entries := make([]inventory.Entry, 0, len(do.Lines))
	for _, l := range do.Lines {
		entries = append(entries, inventory.Entry{
			ProductID:   l.ProductID,
			WarehouseID: l.WarehouseID,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			RefLineID:   l.ID,
			CreatedBy:   actorID,
		})
	}
	return entries
}

func (e *Engine) event(doID int64, action, detail string, actorID int64) Event {
	return Event{
		ID:              uuid.New(),
		DeliveryOrderID: doID,
		Action:          action,
		Detail:          detail,
		ActorID:         actorID,
		OccurredAt:      e.now(),
	}
}

func (e *Engine) auditRecord(ctx context.Context, actorID int64, action string, doID int64, meta map[string]any) {
	if e.audit == nil {
		return
	}
	err := e.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "delivery_order",
		EntityID: strconv.FormatInt(doID, 10),
		Meta:     meta,
		At:       e.now(),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (e *Engine) observeRelease(outcome string) {
	if e.metrics != nil {
		e.metrics.ObserveRelease(outcome)
	}
}
