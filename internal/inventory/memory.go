package inventory

import (
	"context"
	"sync"
)

// MemoryRepository is the in-memory RepositoryPort. The embedded mutex covers
// the whole WithTx callback, so check-then-append stays atomic like the
// Postgres advisory-lock path.
type MemoryRepository struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryRepository constructs an empty in-memory ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

type memoryTx struct {
	repo *MemoryRepository
}

// WithTx serialises the callback against all other ledger access.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := len(r.entries)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.entries = r.entries[:snapshot]
		return err
	}
	return nil
}

// SumQuantity folds the ledger for one position.
func (r *MemoryRepository) SumQuantity(_ context.Context, productID, warehouseID int64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sumLocked(productID, warehouseID), nil
}

// SumQuantities folds several positions.
func (r *MemoryRepository) SumQuantities(_ context.Context, keys []Key) (map[Key]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[Key]float64, len(keys))
	for _, k := range keys {
		result[k] = r.sumLocked(k.ProductID, k.WarehouseID)
	}
	return result, nil
}

// History replays entries for one position in append order.
func (r *MemoryRepository) History(_ context.Context, filter HistoryFilter) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []Entry
	for _, e := range r.entries {
		if e.ProductID != filter.ProductID || e.WarehouseID != filter.WarehouseID {
			continue
		}
		if !filter.From.IsZero() && e.PostedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.PostedAt.After(filter.To) {
			continue
		}
		entries = append(entries, e)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	return entries, nil
}

// HasEntriesForRef reports whether a batch for (ref, direction) exists.
func (r *MemoryRepository) HasEntriesForRef(_ context.Context, ref Ref, outbound bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasRefLocked(ref, outbound), nil
}

func (r *MemoryRepository) hasRefLocked(ref Ref, outbound bool) bool {
	for _, e := range r.entries {
		if e.RefModule != ref.Module || e.RefDocID != ref.DocID {
			continue
		}
		if outbound == (e.Quantity < 0) {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) sumLocked(productID, warehouseID int64) float64 {
	var sum float64
	for _, e := range r.entries {
		if e.ProductID == productID && e.WarehouseID == warehouseID {
			sum += e.Quantity
		}
	}
	return sum
}

func (tx *memoryTx) LockKey(context.Context, int64, int64) error {
	// WithTx already holds the repository mutex.
	return nil
}

func (tx *memoryTx) SumQuantity(_ context.Context, productID, warehouseID int64) (float64, error) {
	return tx.repo.sumLocked(productID, warehouseID), nil
}

func (tx *memoryTx) InsertEntries(_ context.Context, entries []Entry) error {
	tx.repo.entries = append(tx.repo.entries, entries...)
	return nil
}

func (tx *memoryTx) HasEntriesForRef(_ context.Context, ref Ref, outbound bool) (bool, error) {
	return tx.repo.hasRefLocked(ref, outbound), nil
}
