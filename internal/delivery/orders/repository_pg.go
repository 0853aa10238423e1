package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

const headerColumns = `
	id, code, sales_order_id, customer_id, customer_name, delivery_date,
	carrier_id, notes, status, total_quantity, total_amount, cancel_reason,
	created_by, created_at, updated_at, released_at, invoiced_at, closed_at,
	cancelled_at
`

// repository implements Repository on pgxpool.
type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates the Postgres delivery order repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetByID loads a delivery order with its lines and event trail.
func (r *repository) GetByID(ctx context.Context, id int64) (*DeliveryOrder, error) {
	return r.getBy(ctx, "id = $1", id)
}

// GetByCode loads a delivery order by document code.
func (r *repository) GetByCode(ctx context.Context, code string) (*DeliveryOrder, error) {
	return r.getBy(ctx, "code = $1", code)
}

func (r *repository) getBy(ctx context.Context, where string, arg any) (*DeliveryOrder, error) {
	query := `SELECT ` + headerColumns + ` FROM delivery_orders WHERE ` + where
	var do DeliveryOrder
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&do.ID, &do.Code, &do.SalesOrderID, &do.CustomerID, &do.CustomerName,
		&do.DeliveryDate, &do.CarrierID, &do.Notes, &do.Status,
		&do.TotalQuantity, &do.TotalAmount, &do.CancelReason, &do.CreatedBy,
		&do.CreatedAt, &do.UpdatedAt, &do.ReleasedAt, &do.InvoicedAt,
		&do.ClosedAt, &do.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if do.Lines, err = r.linesFor(ctx, do.ID); err != nil {
		return nil, err
	}
	if do.Events, err = r.eventsFor(ctx, do.ID); err != nil {
		return nil, err
	}
	return &do, nil
}

func (r *repository) linesFor(ctx context.Context, doID int64) ([]Line, error) {
	const query = `
		SELECT id, delivery_order_id, sales_order_line_id, product_id,
		       product_code, product_name, uom, warehouse_id, quantity,
		       ordered_qty, delivered_to_date, remaining_qty, stock_available,
		       unit_price, discount, line_amount
		FROM delivery_order_lines
		WHERE delivery_order_id = $1
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, doID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(
			&l.ID, &l.DeliveryOrderID, &l.SalesOrderLineID, &l.ProductID,
			&l.ProductCode, &l.ProductName, &l.UOM, &l.WarehouseID,
			&l.Quantity, &l.OrderedQty, &l.DeliveredToDate, &l.RemainingQty,
			&l.StockAvailable, &l.UnitPrice, &l.Discount, &l.LineAmount,
		); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *repository) eventsFor(ctx context.Context, doID int64) ([]Event, error) {
	const query = `
		SELECT id, delivery_order_id, action, detail, actor_id, occurred_at
		FROM delivery_order_events
		WHERE delivery_order_id = $1
		ORDER BY occurred_at, id
	`
	rows, err := r.pool.Query(ctx, query, doID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.DeliveryOrderID, &ev.Action, &ev.Detail, &ev.ActorID, &ev.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// List pages delivery order headers matching the filter.
func (r *repository) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argPos := 1
	add := func(clause string, value any) {
		where += fmt.Sprintf(clause, argPos)
		args = append(args, value)
		argPos++
	}
	if filter.Status != "" {
		add(" AND status = $%d", filter.Status)
	}
	if filter.SalesOrderID != 0 {
		add(" AND sales_order_id = $%d", filter.SalesOrderID)
	}
	if filter.CustomerID != 0 {
		add(" AND customer_id = $%d", filter.CustomerID)
	}
	if filter.Search != "" {
		add(" AND (code ILIKE '%%' || $%[1]d || '%%' OR customer_name ILIKE '%%' || $%[1]d || '%%')", filter.Search)
	}
	if !filter.DateFrom.IsZero() {
		add(" AND delivery_date >= $%d", filter.DateFrom)
	}
	if !filter.DateTo.IsZero() {
		add(" AND delivery_date <= $%d", filter.DateTo)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM delivery_orders`+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	page := shared.NewPagination(filter.Page.Page, filter.Page.PerPage, total)
	query := `SELECT ` + headerColumns + ` FROM delivery_orders` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, argPos, argPos+1)
	args = append(args, page.PerPage, page.Offset())

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []DeliveryOrder{}
	for rows.Next() {
		var do DeliveryOrder
		if err := rows.Scan(
			&do.ID, &do.Code, &do.SalesOrderID, &do.CustomerID, &do.CustomerName,
			&do.DeliveryDate, &do.CarrierID, &do.Notes, &do.Status,
			&do.TotalQuantity, &do.TotalAmount, &do.CancelReason, &do.CreatedBy,
			&do.CreatedAt, &do.UpdatedAt, &do.ReleasedAt, &do.InvoicedAt,
			&do.ClosedAt, &do.CancelledAt,
		); err != nil {
			return nil, err
		}
		orders = append(orders, do)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &ListResult{Orders: orders, Total: total}, nil
}

// IDsByStatus lists document ids currently in one status, oldest first. Used
// by crash recovery to find flows to resume.
func (r *repository) IDsByStatus(ctx context.Context, status Status) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM delivery_orders WHERE status = $1 ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertHeader writes a new draft header and fills do.ID.
func (t *txRepository) InsertHeader(ctx context.Context, do *DeliveryOrder) error {
	const query = `
		INSERT INTO delivery_orders (
			code, sales_order_id, customer_id, customer_name, delivery_date,
			carrier_id, notes, status, total_quantity, total_amount,
			created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING id
	`
	return t.tx.QueryRow(ctx, query,
		do.Code, do.SalesOrderID, do.CustomerID, do.CustomerName,
		do.DeliveryDate, do.CarrierID, do.Notes, do.Status,
		do.TotalQuantity, do.TotalAmount, do.CreatedBy, do.CreatedAt,
	).Scan(&do.ID)
}

// InsertLines writes the lines and fills their ids.
func (t *txRepository) InsertLines(ctx context.Context, doID int64, lines []Line) error {
	const query = `
		INSERT INTO delivery_order_lines (
			delivery_order_id, sales_order_line_id, product_id, product_code,
			product_name, uom, warehouse_id, quantity, ordered_qty,
			delivered_to_date, remaining_qty, stock_available, unit_price,
			discount, line_amount
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`
	for i := range lines {
		l := &lines[i]
		l.DeliveryOrderID = doID
		if err := t.tx.QueryRow(ctx, query,
			doID, l.SalesOrderLineID, l.ProductID, l.ProductCode,
			l.ProductName, l.UOM, l.WarehouseID, l.Quantity, l.OrderedQty,
			l.DeliveredToDate, l.RemainingQty, l.StockAvailable, l.UnitPrice,
			l.Discount, l.LineAmount,
		).Scan(&l.ID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteLines removes every line of one document.
func (t *txRepository) DeleteLines(ctx context.Context, doID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM delivery_order_lines WHERE delivery_order_id = $1`, doID)
	return err
}

// UpdateHeader rewrites the mutable header fields and totals.
func (t *txRepository) UpdateHeader(ctx context.Context, do *DeliveryOrder) error {
	const query = `
		UPDATE delivery_orders
		SET delivery_date = $2, carrier_id = $3, notes = $4,
		    total_quantity = $5, total_amount = $6, updated_at = $7
		WHERE id = $1
	`
	_, err := t.tx.Exec(ctx, query, do.ID, do.DeliveryDate, do.CarrierID,
		do.Notes, do.TotalQuantity, do.TotalAmount, do.UpdatedAt)
	return err
}

// SetCancelReason persists the void intent before its side effects run.
func (t *txRepository) SetCancelReason(ctx context.Context, id int64, reason string) error {
	_, err := t.tx.Exec(ctx, `UPDATE delivery_orders SET cancel_reason = $2, updated_at = NOW() WHERE id = $1`, id, reason)
	return err
}

// TransitionStatus performs a guarded status flip.
func (t *txRepository) TransitionStatus(ctx context.Context, id int64, from, to Status, at time.Time) (bool, error) {
	column := ""
	switch to {
	case StatusReleased:
		column = "released_at"
	case StatusInvoiced:
		column = "invoiced_at"
	case StatusClosed:
		column = "closed_at"
	case StatusCancelled:
		column = "cancelled_at"
	}
	query := `UPDATE delivery_orders SET status = $3, updated_at = $4`
	if column != "" {
		query += `, ` + column + ` = $4`
	}
	query += ` WHERE id = $1 AND status = $2`
	tag, err := t.tx.Exec(ctx, query, id, from, to, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteOrder removes a draft header with its lines and events.
func (t *txRepository) DeleteOrder(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM delivery_order_events WHERE delivery_order_id = $1`, id); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM delivery_order_lines WHERE delivery_order_id = $1`, id); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM delivery_orders WHERE id = $1`, id)
	return err
}

// InsertEvent appends one entry to the document trail.
func (t *txRepository) InsertEvent(ctx context.Context, ev Event) error {
	const query = `
		INSERT INTO delivery_order_events (id, delivery_order_id, action, detail, actor_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := t.tx.Exec(ctx, query, ev.ID, ev.DeliveryOrderID, ev.Action, ev.Detail, ev.ActorID, ev.OccurredAt)
	return err
}
