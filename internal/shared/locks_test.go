package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisLockerMutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, time.Minute)
	ctx := context.Background()
	key := DeliveryLockKey(42)

	release, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, release(ctx))

	release2, err := locker.Acquire(ctx, key)
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestRedisLockerReleaseIgnoresForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, 50*time.Millisecond)
	ctx := context.Background()
	key := DeliveryLockKey(7)

	release, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	// Simulate TTL expiry followed by a new holder.
	mr.FastForward(time.Second)
	release2, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	// Stale release must not drop the new holder's lock.
	require.NoError(t, release(ctx))
	_, err = locker.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, release2(ctx))
}

func TestMutexLocker(t *testing.T) {
	locker := NewMutexLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "a")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "a")
	require.ErrorIs(t, err, ErrLockHeld)

	releaseB, err := locker.Acquire(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, releaseB(ctx))

	require.NoError(t, release(ctx))
	release, err = locker.Acquire(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}
