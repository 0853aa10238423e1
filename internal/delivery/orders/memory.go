package orders

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is the in-memory Repository used by tests and by the
// in-process mode. A mutex over WithTx with a deep snapshot gives the same
// all-or-nothing behaviour as the Postgres transaction.
type MemoryRepository struct {
	mu       sync.Mutex
	orders   map[int64]*DeliveryOrder
	nextID   int64
	nextLine int64
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[int64]*DeliveryOrder)}
}

type memoryTx struct {
	repo *MemoryRepository
}

// WithTx serialises the callback and rolls the whole state back on error.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[int64]*DeliveryOrder, len(r.orders))
	for id, do := range r.orders {
		snapshot[id] = cloneOrder(do)
	}
	prevID, prevLine := r.nextID, r.nextLine
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.orders = snapshot
		r.nextID, r.nextLine = prevID, prevLine
		return err
	}
	return nil
}

// GetByID returns a copy of one delivery order.
func (r *MemoryRepository) GetByID(_ context.Context, id int64) (*DeliveryOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	do, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(do), nil
}

// GetByCode returns a copy of one delivery order by document code.
func (r *MemoryRepository) GetByCode(_ context.Context, code string) (*DeliveryOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, do := range r.orders {
		if do.Code == code {
			return cloneOrder(do), nil
		}
	}
	return nil, ErrNotFound
}

// List pages delivery orders newest first.
func (r *MemoryRepository) List(_ context.Context, filter ListFilter) (*ListResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*DeliveryOrder
	for _, do := range r.orders {
		if filter.Status != "" && do.Status != filter.Status {
			continue
		}
		if filter.SalesOrderID != 0 && do.SalesOrderID != filter.SalesOrderID {
			continue
		}
		if filter.CustomerID != 0 && do.CustomerID != filter.CustomerID {
			continue
		}
		if filter.Search != "" {
			needle := strings.ToLower(filter.Search)
			if !strings.Contains(strings.ToLower(do.Code), needle) &&
				!strings.Contains(strings.ToLower(do.CustomerName), needle) {
				continue
			}
		}
		if !filter.DateFrom.IsZero() && do.DeliveryDate.Before(filter.DateFrom) {
			continue
		}
		if !filter.DateTo.IsZero() && do.DeliveryDate.After(filter.DateTo) {
			continue
		}
		matched = append(matched, do)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	perPage := filter.Page.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := filter.Page.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * perPage
	if offset > total {
		offset = total
	}
	end := offset + perPage
	if end > total {
		end = total
	}
	orders := make([]DeliveryOrder, 0, end-offset)
	for _, do := range matched[offset:end] {
		orders = append(orders, *cloneOrder(do))
	}
	return &ListResult{Orders: orders, Total: total}, nil
}

// IDsByStatus lists document ids in one status, oldest first.
func (r *MemoryRepository) IDsByStatus(_ context.Context, status Status) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, do := range r.orders {
		if do.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (tx *memoryTx) InsertHeader(_ context.Context, do *DeliveryOrder) error {
	tx.repo.nextID++
	do.ID = tx.repo.nextID
	stored := cloneOrder(do)
	stored.Lines = nil
	stored.Events = nil
	tx.repo.orders[do.ID] = stored
	return nil
}

func (tx *memoryTx) InsertLines(_ context.Context, doID int64, lines []Line) error {
	do, ok := tx.repo.orders[doID]
	if !ok {
		return ErrNotFound
	}
	for i := range lines {
		tx.repo.nextLine++
		lines[i].ID = tx.repo.nextLine
		lines[i].DeliveryOrderID = doID
		do.Lines = append(do.Lines, lines[i])
	}
	return nil
}

func (tx *memoryTx) DeleteLines(_ context.Context, doID int64) error {
	do, ok := tx.repo.orders[doID]
	if !ok {
		return ErrNotFound
	}
	do.Lines = nil
	return nil
}

func (tx *memoryTx) UpdateHeader(_ context.Context, src *DeliveryOrder) error {
	do, ok := tx.repo.orders[src.ID]
	if !ok {
		return ErrNotFound
	}
	do.DeliveryDate = src.DeliveryDate
	do.CarrierID = src.CarrierID
	do.Notes = src.Notes
	do.TotalQuantity = src.TotalQuantity
	do.TotalAmount = src.TotalAmount
	do.UpdatedAt = src.UpdatedAt
	return nil
}

func (tx *memoryTx) SetCancelReason(_ context.Context, id int64, reason string) error {
	do, ok := tx.repo.orders[id]
	if !ok {
		return ErrNotFound
	}
	do.CancelReason = reason
	return nil
}

func (tx *memoryTx) TransitionStatus(_ context.Context, id int64, from, to Status, at time.Time) (bool, error) {
	do, ok := tx.repo.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if do.Status != from {
		return false, nil
	}
	do.Status = to
	do.UpdatedAt = at
	stamp := at
	switch to {
	case StatusReleased:
		do.ReleasedAt = &stamp
	case StatusInvoiced:
		do.InvoicedAt = &stamp
	case StatusClosed:
		do.ClosedAt = &stamp
	case StatusCancelled:
		do.CancelledAt = &stamp
	}
	return true, nil
}

func (tx *memoryTx) DeleteOrder(_ context.Context, id int64) error {
	delete(tx.repo.orders, id)
	return nil
}

func (tx *memoryTx) InsertEvent(_ context.Context, ev Event) error {
	do, ok := tx.repo.orders[ev.DeliveryOrderID]
	if !ok {
		return ErrNotFound
	}
	do.Events = append(do.Events, ev)
	return nil
}

func cloneOrder(do *DeliveryOrder) *DeliveryOrder {
	out := *do
	out.Lines = append([]Line(nil), do.Lines...)
	out.Events = append([]Event(nil), do.Events...)
	if do.CarrierID != nil {
		v := *do.CarrierID
		out.CarrierID = &v
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	out.ReleasedAt = copyTime(do.ReleasedAt)
	out.InvoicedAt = copyTime(do.InvoicedAt)
	out.ClosedAt = copyTime(do.ClosedAt)
	out.CancelledAt = copyTime(do.CancelledAt)
	return &out
}
