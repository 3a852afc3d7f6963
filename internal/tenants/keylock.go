package tenants

import (
	"context"
	"sync"
)

// keyedMutex serializes work per key without serializing across keys.
// Entries are reference counted and dropped once no goroutine holds or
// waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the key's lock or returns ctx's error. The returned func
// releases it and must be called exactly once.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	lock := k.locks[key]
	if lock == nil {
		lock = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			k.release(key, lock)
		})
	}, nil
}

func (k *keyedMutex) release(key string, lock *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
