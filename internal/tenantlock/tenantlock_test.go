package tenantlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func lockers(t *testing.T, timeout time.Duration) map[string]Locker {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Locker{
		"local": NewLocal(timeout),
		"redis": NewRedis(client, time.Minute, timeout, zaptest.NewLogger(t)),
	}
}

func TestLocker_MutualExclusion(t *testing.T) {
	for name, l := range lockers(t, 5*time.Second) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					release, err := l.Lock(context.Background(), 1)
					if !assert.NoError(t, err) {
						return
					}
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					release()
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
		})
	}
}

func TestLocker_Timeout(t *testing.T) {
	for name, l := range lockers(t, 50*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			release, err := l.Lock(context.Background(), 7)
			require.NoError(t, err)
			defer release()

			_, err = l.Lock(context.Background(), 7)
			assert.True(t, errors.Is(err, ErrNotAcquired), "got %v", err)
		})
	}
}

func TestLocker_TenantsAreIndependent(t *testing.T) {
	for name, l := range lockers(t, 50*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			r1, err := l.Lock(context.Background(), 1)
			require.NoError(t, err)
			defer r1()
			r2, err := l.Lock(context.Background(), 2)
			require.NoError(t, err)
			r2()
		})
	}
}

func TestLocker_ReleaseIsIdempotent(t *testing.T) {
	for name, l := range lockers(t, 50*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			release, err := l.Lock(context.Background(), 3)
			require.NoError(t, err)
			release()
			release()

			again, err := l.Lock(context.Background(), 3)
			require.NoError(t, err)
			again()
		})
	}
}

func TestLocal_ContextCancel(t *testing.T) {
	l := NewLocal(0)
	release, err := l.Lock(context.Background(), 1)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, 1)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedis_ExpiredHolderDoesNotReleaseNewOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := NewRedis(client, time.Second, 100*time.Millisecond, zaptest.NewLogger(t))

	stale, err := l.Lock(context.Background(), 9)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	current, err := l.Lock(context.Background(), 9)
	require.NoError(t, err)
	stale()

	assert.True(t, mr.Exists(l.key(9)), "stale release removed the new owner's lock")
	current()
	assert.False(t, mr.Exists(l.key(9)))
}
