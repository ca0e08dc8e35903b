package pipeline

import (
	"context"
	"sync"
)

// Locker serializes turns for the same contact. redisclient.ContactLocker is
// the multi-replica implementation.
type Locker interface {
	WithContactLock(ctx context.Context, contactID string, fn func(ctx context.Context) error) error
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) WithContactLock(ctx context.Context, contactID string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	k, ok := l.locks[contactID]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[contactID] = k
	}
	k.refs++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.locks, contactID)
		}
		l.mu.Unlock()
	}()

	select {
	case k.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-k.ch }()

	return fn(ctx)
}
