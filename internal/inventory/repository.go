package inventory

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// repository implements RepositoryPort using pgxpool.
type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates the Postgres ledger repository.
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

// SumQuantity folds the ledger for one position.
func (r *repository) SumQuantity(ctx context.Context, productID, warehouseID int64) (float64, error) {
	const query = `
		SELECT COALESCE(SUM(quantity), 0)
		FROM inventory_ledger
		WHERE product_id = $1 AND warehouse_id = $2
	`
	var sum float64
	err := r.pool.QueryRow(ctx, query, productID, warehouseID).Scan(&sum)
	return sum, err
}

// SumQuantities folds several positions in one round trip.
func (r *repository) SumQuantities(ctx context.Context, keys []Key) (map[Key]float64, error) {
	productIDs := make([]int64, 0, len(keys))
	warehouseIDs := make([]int64, 0, len(keys))
	for _, k := range keys {
		productIDs = append(productIDs, k.ProductID)
		warehouseIDs = append(warehouseIDs, k.WarehouseID)
	}
	const query = `
		SELECT product_id, warehouse_id, COALESCE(SUM(quantity), 0)
		FROM inventory_ledger
		WHERE (product_id, warehouse_id) IN (
			SELECT UNNEST($1::bigint[]), UNNEST($2::bigint[])
		)
		GROUP BY product_id, warehouse_id
	`
	rows, err := r.pool.Query(ctx, query, productIDs, warehouseIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[Key]float64, len(keys))
	for _, k := range keys {
		result[k] = 0
	}
	for rows.Next() {
		var k Key
		var sum float64
		if err := rows.Scan(&k.ProductID, &k.WarehouseID, &sum); err != nil {
			return nil, err
		}
		result[k] = sum
	}
	return result, rows.Err()
}

// History lists entries for one position in append order.
func (r *repository) History(ctx context.Context, filter HistoryFilter) ([]Entry, error) {
	query := `
		SELECT id, product_id, warehouse_id, quantity, unit_price, amount,
		       ref_module, ref_doc_id, ref_line_id, posted_at, created_by
		FROM inventory_ledger
		WHERE product_id = $1 AND warehouse_id = $2
	`
	args := []any{filter.ProductID, filter.WarehouseID}
	argPos := 3
	if !filter.From.IsZero() {
		query += fmt.Sprintf(" AND posted_at >= $%d", argPos)
		args = append(args, filter.From)
		argPos++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(" AND posted_at <= $%d", argPos)
		args = append(args, filter.To)
		argPos++
	}
	query += ` ORDER BY posted_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filter.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.ProductID, &e.WarehouseID, &e.Quantity, &e.UnitPrice,
			&e.Amount, &e.RefModule, &e.RefDocID, &e.RefLineID, &e.PostedAt,
			&e.CreatedBy,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HasEntriesForRef reports whether a batch for (ref, direction) exists,
// outside any transaction.
func (r *repository) HasEntriesForRef(ctx context.Context, ref Ref, outbound bool) (bool, error) {
	return hasEntriesForRef(ctx, r.pool, ref, outbound)
}

// LockKey takes a transaction-scoped advisory lock for one stock position.
// The two ids are hashed into the single bigint key form so no id range can
// truncate or alias another position's lock.
func (t *txRepository) LockKey(ctx context.Context, productID, warehouseID int64) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey(productID, warehouseID))
	return err
}

func advisoryLockKey(productID, warehouseID int64) int64 {
	h := fnv.New64a()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(productID))
	binary.BigEndian.PutUint64(buf[8:], uint64(warehouseID))
	_, _ = h.Write(buf[:])
	return int64(h.Sum64())
}

// SumQuantity folds the ledger inside the transaction.
func (t *txRepository) SumQuantity(ctx context.Context, productID, warehouseID int64) (float64, error) {
	const query = `
		SELECT COALESCE(SUM(quantity), 0)
		FROM inventory_ledger
		WHERE product_id = $1 AND warehouse_id = $2
	`
	var sum float64
	err := t.tx.QueryRow(ctx, query, productID, warehouseID).Scan(&sum)
	return sum, err
}

// InsertEntries appends the batch. Entries are insert-only by contract; no
// update or delete statement exists in this package.
func (t *txRepository) InsertEntries(ctx context.Context, entries []Entry) error {
	const query = `
		INSERT INTO inventory_ledger (
			id, product_id, warehouse_id, quantity, unit_price, amount,
			ref_module, ref_doc_id, ref_line_id, posted_at, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for _, e := range entries {
		if _, err := t.tx.Exec(ctx, query,
			e.ID, e.ProductID, e.WarehouseID, e.Quantity, e.UnitPrice, e.Amount,
			e.RefModule, e.RefDocID, e.RefLineID, e.PostedAt, e.CreatedBy,
		); err != nil {
			return err
		}
	}
	return nil
}

// HasEntriesForRef reports whether a batch for (ref, direction) was already
// applied.
func (t *txRepository) HasEntriesForRef(ctx context.Context, ref Ref, outbound bool) (bool, error) {
	return hasEntriesForRef(ctx, t.tx, ref, outbound)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func hasEntriesForRef(ctx context.Context, q rowQuerier, ref Ref, outbound bool) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM inventory_ledger
			WHERE ref_module = $1 AND ref_doc_id = $2 AND quantity < 0
		)
	`
	if !outbound {
		query = `
			SELECT EXISTS(
				SELECT 1 FROM inventory_ledger
				WHERE ref_module = $1 AND ref_doc_id = $2 AND quantity > 0
			)
		`
	}
	var exists bool
	err := q.QueryRow(ctx, query, ref.Module, ref.DocID).Scan(&exists)
	return exists, err
}
