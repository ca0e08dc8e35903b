package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("contact lock not acquired")
)

const retryInterval = 100 * time.Millisecond

// ContactLocker serializes turns for one contact across api-server replicas.
// A turn waits up to wait for the lock; the lease expires after ttl so a
// crashed holder cannot block the contact forever.
type ContactLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

func NewContactLocker(client *redis.Client, ttl, wait time.Duration) *ContactLocker {
	return &ContactLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
	}
}

func lockKey(contactID string) string {
	return fmt.Sprintf("lock:contact:%s", contactID)
}

func (l *ContactLocker) WithContactLock(ctx context.Context, contactID string, fn func(ctx context.Context) error) error {
	key := lockKey(contactID)
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *ContactLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire contact lock: %w", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *ContactLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release contact lock: %w", err)
	}
	return nil
}
