package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ModuleDeliveryOrders tags idempotency keys written by the delivery order API.
const ModuleDeliveryOrders = "delivery_orders"

// DefaultIdempotencyRetention is how long processed keys are kept when the
// store is built without an explicit retention.
const DefaultIdempotencyRetention = 7 * 24 * time.Hour

// ErrIdempotencyConflict indicates the key was already registered, so the
// request it guards has been processed before.
var ErrIdempotencyConflict = errors.New("idempotency key already processed")

// IdempotencyStore persists processed operation keys so retried requests are
// detected instead of re-executed. Keys age out after the retention window.
type IdempotencyStore struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

// NewIdempotencyStore constructs the store. A non-positive retention falls
// back to DefaultIdempotencyRetention.
func NewIdempotencyStore(pool *pgxpool.Pool, retention time.Duration) *IdempotencyStore {
	if retention <= 0 {
		retention = DefaultIdempotencyRetention
	}
	return &IdempotencyStore{pool: pool, retention: retention}
}

// Register claims a key for a module. The primary key on idempotency_keys is
// what makes the claim race-free; a duplicate surfaces as
// ErrIdempotencyConflict.
func (s *IdempotencyStore) Register(ctx context.Context, key, module string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" || module == "" {
		return errors.New("idempotency key and module required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, NOW())`,
		key, module)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrIdempotencyConflict
	}
	return err
}

// Forget releases a key so the request can be retried, used when processing
// failed after the key was registered.
func (s *IdempotencyStore) Forget(ctx context.Context, key string) error {
	if s == nil || key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
	return err
}

// Prune drops keys older than the retention window.
func (s *IdempotencyStore) Prune(ctx context.Context) error {
	if s == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`,
		time.Now().Add(-s.retention))
	return err
}
