package sales

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// repository implements RepositoryPort using pgxpool.
type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates the Postgres sales repository.
func NewRepository(pool *pgxpool.Pool) RepositoryPort {
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

// GetOrder retrieves one sales order header.
func (r *repository) GetOrder(ctx context.Context, orderID int64) (SalesOrder, error) {
	const query = `
		SELECT so.id, so.doc_number, so.customer_id, c.name, so.status,
		       so.created_at, so.updated_at
		FROM sales_orders so
		INNER JOIN customers c ON c.id = so.customer_id
		WHERE so.id = $1
	`
	var o SalesOrder
	err := r.pool.QueryRow(ctx, query, orderID).Scan(
		&o.ID, &o.DocNumber, &o.CustomerID, &o.CustomerName, &o.Status,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SalesOrder{}, ErrOrderNotFound
		}
		return SalesOrder{}, err
	}
	return o, nil
}

// GetLine retrieves one sales order line.
func (r *repository) GetLine(ctx context.Context, lineID int64) (OrderLine, error) {
	const query = `
		SELECT sol.id, sol.sales_order_id, sol.product_id, p.sku, p.name,
		       sol.uom, sol.unit_price, sol.ordered_qty, sol.delivered_qty
		FROM sales_order_lines sol
		INNER JOIN products p ON p.id = sol.product_id
		WHERE sol.id = $1
	`
	var l OrderLine
	err := r.pool.QueryRow(ctx, query, lineID).Scan(
		&l.ID, &l.SalesOrderID, &l.ProductID, &l.ProductCode, &l.ProductName,
		&l.UOM, &l.UnitPrice, &l.OrderedQty, &l.DeliveredQty,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OrderLine{}, ErrLineNotFound
		}
		return OrderLine{}, err
	}
	return l, nil
}

// ListActiveOrders lists orders open for delivery, newest first.
func (r *repository) ListActiveOrders(ctx context.Context, search string) ([]SalesOrder, error) {
	query := `
		SELECT so.id, so.doc_number, so.customer_id, c.name, so.status,
		       so.created_at, so.updated_at
		FROM sales_orders so
		INNER JOIN customers c ON c.id = so.customer_id
		WHERE so.status = $1
	`
	args := []any{OrderStatusActive}
	if search != "" {
		query += ` AND (LOWER(so.doc_number) LIKE $2 OR LOWER(c.name) LIKE $2)`
		args = append(args, "%"+foldSearch(search)+"%")
	}
	query += ` ORDER BY so.created_at DESC, so.id DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []SalesOrder
	for rows.Next() {
		var o SalesOrder
		if err := rows.Scan(
			&o.ID, &o.DocNumber, &o.CustomerID, &o.CustomerName, &o.Status,
			&o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// OrderLines lists all lines of one order.
func (r *repository) OrderLines(ctx context.Context, orderID int64) ([]OrderLine, error) {
	const query = `
		SELECT sol.id, sol.sales_order_id, sol.product_id, p.sku, p.name,
		       sol.uom, sol.unit_price, sol.ordered_qty, sol.delivered_qty
		FROM sales_order_lines sol
		INNER JOIN products p ON p.id = sol.product_id
		WHERE sol.sales_order_id = $1
		ORDER BY sol.id
	`
	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []OrderLine
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(
			&l.ID, &l.SalesOrderID, &l.ProductID, &l.ProductCode, &l.ProductName,
			&l.UOM, &l.UnitPrice, &l.OrderedQty, &l.DeliveredQty,
		); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// LineForUpdate loads one line with a row lock.
func (t *txRepository) LineForUpdate(ctx context.Context, lineID int64) (OrderLine, error) {
	const query = `
		SELECT sol.id, sol.sales_order_id, sol.product_id, sol.uom,
		       sol.unit_price, sol.ordered_qty, sol.delivered_qty
		FROM sales_order_lines sol
		WHERE sol.id = $1
		FOR UPDATE
	`
	var l OrderLine
	err := t.tx.QueryRow(ctx, query, lineID).Scan(
		&l.ID, &l.SalesOrderID, &l.ProductID, &l.UOM,
		&l.UnitPrice, &l.OrderedQty, &l.DeliveredQty,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OrderLine{}, ErrLineNotFound
		}
		return OrderLine{}, err
	}
	return l, nil
}

// HasApplication reports whether a delivered-quantity application for
// (ref, direction) was already recorded.
func (t *txRepository) HasApplication(ctx context.Context, ref LineRef, reversal bool) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM so_line_applications
			WHERE ref_module = $1 AND ref_line_id = $2 AND reversal = $3
		)
	`
	var exists bool
	err := t.tx.QueryRow(ctx, query, ref.Module, ref.LineID, reversal).Scan(&exists)
	return exists, err
}

// InsertApplication records a delivered-quantity application.
func (t *txRepository) InsertApplication(ctx context.Context, ref LineRef, lineID int64, qty float64, reversal bool) error {
	const query = `
		INSERT INTO so_line_applications (ref_module, ref_line_id, reversal, so_line_id, qty, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := t.tx.Exec(ctx, query, ref.Module, ref.LineID, reversal, lineID, qty, time.Now().UTC())
	return err
}

// AddDelivered applies a delta to delivered_qty with the 0..ordered guard in
// the statement itself, so even a buggy caller cannot break the invariant.
func (t *txRepository) AddDelivered(ctx context.Context, lineID int64, delta float64) (float64, error) {
	const query = `
		UPDATE sales_order_lines
		SET delivered_qty = delivered_qty + $1, updated_at = NOW()
		WHERE id = $2
		  AND delivered_qty + $1 >= 0
		  AND delivered_qty + $1 <= ordered_qty
		RETURNING delivered_qty
	`
	var delivered float64
	err := t.tx.QueryRow(ctx, query, delta, lineID).Scan(&delivered)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if delta < 0 {
				return 0, ErrOverReversal
			}
			return 0, ErrOverDelivery
		}
		return 0, err
	}
	return delivered, nil
}

// OrderFullyDelivered reports whether every line of the order is delivered in
// full.
func (t *txRepository) OrderFullyDelivered(ctx context.Context, orderID int64) (bool, error) {
	const query = `
		SELECT COALESCE(BOOL_AND(delivered_qty >= ordered_qty), FALSE)
		FROM sales_order_lines
		WHERE sales_order_id = $1
	`
	var full bool
	err := t.tx.QueryRow(ctx, query, orderID).Scan(&full)
	return full, err
}

// SetOrderStatus persists the derived status.
func (t *txRepository) SetOrderStatus(ctx context.Context, orderID int64, status OrderStatus) error {
	const query = `UPDATE sales_orders SET status = $1, updated_at = NOW() WHERE id = $2`
	cmdTag, err := t.tx.Exec(ctx, query, status, orderID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}
