package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/resilience"
)

func fastLockCfg() resilience.LockConfig {
	return resilience.LockConfig{
		TTL:            5 * time.Second,
		RetryDelay:     5 * time.Millisecond,
		MaxRetryDelay:  20 * time.Millisecond,
		JitterFactor:   0,
		AcquireTimeout: 100 * time.Millisecond,
	}
}

func TestLock_AcquireAndRelease(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	lock, err := resilience.AcquireLock(ctx, rdb, "lock:test", fastLockCfg())
	require.NoError(t, err)
	assert.NotEmpty(t, lock.Token())

	released, err := lock.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)

	// second release is a fenced no-op
	released, err = lock.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestLock_ContendedAcquireTimesOut(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	held, err := resilience.AcquireLock(ctx, rdb, "lock:test", fastLockCfg())
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = resilience.AcquireLock(ctx, rdb, "lock:test", fastLockCfg())
	assert.True(t, apierror.Is(err, apierror.CodeTimeout))
}

func TestLock_AcquireAfterRelease(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	first, err := resilience.AcquireLock(ctx, rdb, "lock:test", fastLockCfg())
	require.NoError(t, err)
	_, err = first.Release(ctx)
	require.NoError(t, err)

	second, err := resilience.AcquireLock(ctx, rdb, "lock:test", fastLockCfg())
	require.NoError(t, err)
	assert.NotEqual(t, first.Token(), second.Token())
}

func TestLock_ReleaseFencedAgainstTakeover(t *testing.T) {
	mr, rdb := testRedis(t)
	ctx := context.Background()

	lock, err := resilience.AcquireLock(ctx, rdb, "lock:test", fastLockCfg())
	require.NoError(t, err)

	// lock expired and was re-acquired by someone else
	mr.Set("lock:test", "someone-else")

	released, err := lock.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)
	got, _ := mr.Get("lock:test")
	assert.Equal(t, "someone-else", got)
}

func TestLock_Extend(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	lock, err := resilience.AcquireLock(ctx, rdb, "lock:test", fastLockCfg())
	require.NoError(t, err)

	ok, err := lock.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = lock.Release(ctx)
	require.NoError(t, err)

	ok, err = lock.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForceRelease(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	_, err := resilience.AcquireLock(ctx, rdb, "lock:test", fastLockCfg())
	require.NoError(t, err)

	require.NoError(t, resilience.ForceRelease(ctx, rdb, "lock:test", "ops@example.com"))

	_, err = resilience.AcquireLock(ctx, rdb, "lock:test", fastLockCfg())
	assert.NoError(t, err)
}
