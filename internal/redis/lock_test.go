package redisclient

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a live Redis; they are skipped unless REDIS_TEST_ADDR is set.
func testClientLocker(t *testing.T, ttl, wait time.Duration) *ContactLocker {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb, err := NewRedisClient(context.Background(), addr, "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return NewContactLocker(rdb, ttl, wait)
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "lock:contact:5511999990000", lockKey("5511999990000"))
}

func TestContactLockSerializes(t *testing.T) {
	l := testClientLocker(t, 5*time.Second, 5*time.Second)
	contact := "test-" + uuid.NewString()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithContactLock(context.Background(), contact, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestContactLockGivesUpAfterWait(t *testing.T) {
	l := testClientLocker(t, 5*time.Second, 200*time.Millisecond)
	contact := "test-" + uuid.NewString()

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = l.WithContactLock(context.Background(), contact, func(ctx context.Context) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	err := l.WithContactLock(context.Background(), contact, func(ctx context.Context) error { return nil })
	close(done)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}
