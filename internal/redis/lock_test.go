package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockKeys(t *testing.T) {
	id := uuid.MustParse("6f1c2a5e-0d7b-4a7e-9c55-0a4f1f3b2c11")
	assert.Equal(t, "lock:owner:6f1c2a5e-0d7b-4a7e-9c55-0a4f1f3b2c11", OwnerLockKey(id))
	assert.Equal(t, "lock:sync:6f1c2a5e-0d7b-4a7e-9c55-0a4f1f3b2c11", SyncLockKey(id))
}

func TestLocalLockerFailsFastWithoutWait(t *testing.T) {
	l := NewLocalLocker(0)
	ctx := context.Background()

	err := l.WithLock(ctx, "k", func(ctx context.Context) error {
		inner := l.WithLock(ctx, "k", func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockNotAcquired)

		other := l.WithLock(ctx, "other", func(context.Context) error { return nil })
		assert.NoError(t, other)
		return nil
	})
	require.NoError(t, err)

	// released after fn returns
	assert.NoError(t, l.WithLock(ctx, "k", func(context.Context) error { return nil }))
}

func TestLocalLockerPropagatesFnError(t *testing.T) {
	l := NewLocalLocker(0)
	boom := errors.New("boom")
	err := l.WithLock(context.Background(), "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestLocalLockerSerializes(t *testing.T) {
	l := NewLocalLocker(5 * time.Second)

	var inside, maxInside, runs int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "k", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&runs, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(20), runs)
}
