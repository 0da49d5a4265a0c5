package backplane

import (
	"context"
	"sync"
)

// KeyedMutex is a set of named locks. A lock exists only while somebody
// holds or waits for it; unrelated keys never contend.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates a KeyedMutex with no keys.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key, giving up when ctx is done. The returned
// function releases it and must be called exactly once.
func (km *KeyedMutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			km.release(key, l)
		}, nil
	case <-ctx.Done():
		km.release(key, l)
		return nil, ctx.Err()
	}
}

func (km *KeyedMutex) release(key string, l *keyedLock) {
	km.mu.Lock()
	defer km.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(km.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (km *KeyedMutex) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.locks)
}
