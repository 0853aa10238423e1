package orders

import (
	"context"
	"time"
)

// Repository is the persistence port for delivery orders.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetByID(ctx context.Context, id int64) (*DeliveryOrder, error)
	GetByCode(ctx context.Context, code string) (*DeliveryOrder, error)
	List(ctx context.Context, filter ListFilter) (*ListResult, error)
	IDsByStatus(ctx context.Context, status Status) ([]int64, error)
}

// TxRepository exposes the transactional write operations.
type TxRepository interface {
	InsertHeader(ctx context.Context, do *DeliveryOrder) error
	InsertLines(ctx context.Context, doID int64, lines []Line) error
	DeleteLines(ctx context.Context, doID int64) error
	UpdateHeader(ctx context.Context, do *DeliveryOrder) error
	SetCancelReason(ctx context.Context, id int64, reason string) error
	// TransitionStatus flips the status only when the row still holds from,
	// stamping the lifecycle timestamp for to. Returns false when another
	// writer got there first.
	TransitionStatus(ctx context.Context, id int64, from, to Status, at time.Time) (bool, error)
	DeleteOrder(ctx context.Context, id int64) error
	InsertEvent(ctx context.Context, ev Event) error
}
