package sales

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryRepository is the in-memory RepositoryPort. The mutex covers the whole
// WithTx callback so tracker applications are serialised like the row-locked
// Postgres path.
type MemoryRepository struct {
	mu           sync.Mutex
	orders       map[int64]SalesOrder
	lines        map[int64]OrderLine
	applications map[string]float64
}

// NewMemoryRepository constructs an empty in-memory sales store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:       make(map[int64]SalesOrder),
		lines:        make(map[int64]OrderLine),
		applications: make(map[string]float64),
	}
}

// SeedOrder loads an order and its lines, used by tests and local fixtures.
func (r *MemoryRepository) SeedOrder(order SalesOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if order.Status == "" {
		order.Status = OrderStatusActive
	}
	for _, l := range order.Lines {
		l.SalesOrderID = order.ID
		r.lines[l.ID] = l
	}
	order.Lines = nil
	r.orders[order.ID] = order
}

type memoryTx struct {
	repo *MemoryRepository
}

func applicationKey(ref LineRef, reversal bool) string {
	return fmt.Sprintf("%s:%d:%t", ref.Module, ref.LineID, reversal)
}

// WithTx serialises the callback against all other tracker access.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r})
}

// GetOrder retrieves one order header.
func (r *MemoryRepository) GetOrder(_ context.Context, orderID int64) (SalesOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return SalesOrder{}, ErrOrderNotFound
	}
	return order, nil
}

// GetLine retrieves one order line.
func (r *MemoryRepository) GetLine(_ context.Context, lineID int64) (OrderLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line, ok := r.lines[lineID]
	if !ok {
		return OrderLine{}, ErrLineNotFound
	}
	return line, nil
}

// ListActiveOrders lists open orders, newest id first.
func (r *MemoryRepository) ListActiveOrders(_ context.Context, search string) ([]SalesOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	needle := foldSearch(search)
	var orders []SalesOrder
	for _, o := range r.orders {
		if o.Status != OrderStatusActive {
			continue
		}
		if needle != "" &&
			!strings.Contains(foldSearch(o.DocNumber), needle) &&
			!strings.Contains(foldSearch(o.CustomerName), needle) {
			continue
		}
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

// OrderLines lists all lines of one order.
func (r *MemoryRepository) OrderLines(_ context.Context, orderID int64) ([]OrderLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lines []OrderLine
	for _, l := range r.lines {
		if l.SalesOrderID == orderID {
			lines = append(lines, l)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return lines, nil
}

func (tx *memoryTx) LineForUpdate(_ context.Context, lineID int64) (OrderLine, error) {
	line, ok := tx.repo.lines[lineID]
	if !ok {
		return OrderLine{}, ErrLineNotFound
	}
	return line, nil
}

func (tx *memoryTx) HasApplication(_ context.Context, ref LineRef, reversal bool) (bool, error) {
	_, ok := tx.repo.applications[applicationKey(ref, reversal)]
	return ok, nil
}

func (tx *memoryTx) InsertApplication(_ context.Context, ref LineRef, _ int64, qty float64, reversal bool) error {
	tx.repo.applications[applicationKey(ref, reversal)] = qty
	return nil
}

func (tx *memoryTx) AddDelivered(_ context.Context, lineID int64, delta float64) (float64, error) {
	line, ok := tx.repo.lines[lineID]
	if !ok {
		return 0, ErrLineNotFound
	}
	next := line.DeliveredQty + delta
	if next < -qtyEpsilon {
		return 0, ErrOverReversal
	}
	if next > line.OrderedQty+qtyEpsilon {
		return 0, ErrOverDelivery
	}
	line.DeliveredQty = next
	tx.repo.lines[lineID] = line
	return next, nil
}

func (tx *memoryTx) OrderFullyDelivered(_ context.Context, orderID int64) (bool, error) {
	seen := false
	for _, l := range tx.repo.lines {
		if l.SalesOrderID != orderID {
			continue
		}
		seen = true
		if l.DeliveredQty < l.OrderedQty-qtyEpsilon {
			return false, nil
		}
	}
	return seen, nil
}

func (tx *memoryTx) SetOrderStatus(_ context.Context, orderID int64, status OrderStatus) error {
	order, ok := tx.repo.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	order.Status = status
	tx.repo.orders[orderID] = order
	return nil
}
