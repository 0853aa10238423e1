package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const qtyEpsilon = 1e-6

// RepositoryPort abstracts repository usage for the ledger service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	SumQuantity(ctx context.Context, productID, warehouseID int64) (float64, error)
	SumQuantities(ctx context.Context, keys []Key) (map[Key]float64, error)
	History(ctx context.Context, filter HistoryFilter) ([]Entry, error)
	HasEntriesForRef(ctx context.Context, ref Ref, outbound bool) (bool, error)
}

// TxRepository exposes the transactional ledger operations. LockKey must
// serialise concurrent appends for one stock position so check-then-append
// is atomic.
type TxRepository interface {
	LockKey(ctx context.Context, productID, warehouseID int64) error
	SumQuantity(ctx context.Context, productID, warehouseID int64) (float64, error)
	InsertEntries(ctx context.Context, entries []Entry) error
	HasEntriesForRef(ctx context.Context, ref Ref, outbound bool) (bool, error)
}

// Ledger coordinates appends and folds over the movement log.
type Ledger struct {
	repo RepositoryPort
}

// NewLedger builds the ledger service.
func NewLedger(repo RepositoryPort) *Ledger {
	return &Ledger{repo: repo}
}

// Append writes a batch of entries for one causing document atomically.
// Outbound batches are rejected with ErrInsufficientStock when any position
// would go negative; the availability check and the insert happen under the
// same per-position lock. Append is idempotent per (ref, direction): a batch
// that was already applied returns (false, nil) without writing.
func (l *Ledger) Append(ctx context.Context, ref Ref, entries []Entry) (bool, error) {
	if ref.Module == "" || ref.DocID == 0 {
		return false, ErrMissingRef
	}
	if len(entries) == 0 {
		return false, ErrInvalidQuantity
	}
	outbound := entries[0].Quantity < 0
	now := time.Now().UTC()
	for i := range entries {
		e := &entries[i]
		if e.ProductID == 0 || e.WarehouseID == 0 {
			return false, errors.New("inventory: product and warehouse required")
		}
		if e.Quantity == 0 {
			return false, ErrInvalidQuantity
		}
		if (e.Quantity < 0) != outbound {
			return false, ErrMixedDirection
		}
		if e.UnitPrice < 0 {
			return false, ErrInvalidUnitPrice
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.PostedAt.IsZero() {
			e.PostedAt = now
		}
		e.RefModule = ref.Module
		e.RefDocID = ref.DocID
		e.Amount = e.Quantity * e.UnitPrice
	}

	deltas := make(map[Key]float64)
	for _, e := range entries {
		deltas[Key{ProductID: e.ProductID, WarehouseID: e.WarehouseID}] += e.Quantity
	}
	keys := make([]Key, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	// Deterministic lock order across concurrent appends.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ProductID != keys[j].ProductID {
			return keys[i].ProductID < keys[j].ProductID
		}
		return keys[i].WarehouseID < keys[j].WarehouseID
	})

	applied := false
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.HasEntriesForRef(ctx, ref, outbound)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		for _, k := range keys {
			if err := tx.LockKey(ctx, k.ProductID, k.WarehouseID); err != nil {
				return err
			}
			if deltas[k] >= 0 {
				continue
			}
			current, err := tx.SumQuantity(ctx, k.ProductID, k.WarehouseID)
			if err != nil {
				return err
			}
			if current+deltas[k] < -qtyEpsilon {
				return fmt.Errorf("%w: product %d warehouse %d has %.4f, movement %.4f",
					ErrInsufficientStock, k.ProductID, k.WarehouseID, current, deltas[k])
			}
		}
		if err := tx.InsertEntries(ctx, entries); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// CurrentStock folds the ledger for one position.
func (l *Ledger) CurrentStock(ctx context.Context, productID, warehouseID int64) (float64, error) {
	if productID == 0 || warehouseID == 0 {
		return 0, errors.New("inventory: product and warehouse required")
	}
	return l.repo.SumQuantity(ctx, productID, warehouseID)
}

// StockFor folds several positions in one call, used during validation.
func (l *Ledger) StockFor(ctx context.Context, keys []Key) (map[Key]float64, error) {
	if len(keys) == 0 {
		return map[Key]float64{}, nil
	}
	return l.repo.SumQuantities(ctx, keys)
}

// Applied reports whether a batch for the given reference and direction has
// already been written. Callers resuming an interrupted multi-step flow use
// it to decide which steps remain.
func (l *Ledger) Applied(ctx context.Context, ref Ref, outbound bool) (bool, error) {
	if ref.Module == "" || ref.DocID == 0 {
		return false, ErrMissingRef
	}
	return l.repo.HasEntriesForRef(ctx, ref, outbound)
}

// History replays entries for one position in append order.
func (l *Ledger) History(ctx context.Context, filter HistoryFilter) ([]Entry, error) {
	if filter.ProductID == 0 || filter.WarehouseID == 0 {
		return nil, errors.New("inventory: product and warehouse required")
	}
	return l.repo.History(ctx, filter)
}
