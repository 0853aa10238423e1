package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another writer currently holds the document lock.
var ErrLockHeld = errors.New("document lock held by another writer")

// DeliveryLockKey builds redis keys serialising writes to one delivery order.
func DeliveryLockKey(deliveryOrderID int64) string {
	return fmt.Sprintf("delivery:order:%d:lock", deliveryOrderID)
}

// SalesOrderLockKey serialises delivery effects against one sales order, so
// two documents cannot validate remaining quantities against the same lines
// at the same time. Always acquired after the document lock.
func SalesOrderLockKey(salesOrderID int64) string {
	return fmt.Sprintf("sales:order:%d:lock", salesOrderID)
}

// Locker serialises mutating operations on a single document. Acquire returns
// a release function; callers must invoke it once the critical section ends.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// RedisLocker implements Locker with SET NX and a token-checked release so a
// lock expired and re-acquired by someone else is never released by accident.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker constructs a RedisLocker. TTL bounds how long a crashed
// holder can block other writers.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire takes the lock or fails fast with ErrLockHeld.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("redis locker not initialised")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, nil
}

// MutexLocker is the in-process Locker used with the in-memory stores and in
// tests. Acquire fails fast like the redis implementation instead of queueing.
type MutexLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMutexLocker constructs a MutexLocker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{held: make(map[string]struct{})}
}

// Acquire takes the lock or fails fast with ErrLockHeld.
func (l *MutexLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLockHeld
	}
	l.held[key] = struct{}{}
	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}
	return release, nil
}
