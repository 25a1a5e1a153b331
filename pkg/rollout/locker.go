package rollout

import (
	"context"
	"errors"
	"sync"
)

// Locker serializes read-mutate-persist cycles on the same feature.
// Lock blocks until the key is held or ctx is done; the returned unlock
// function is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker holding one mutex per key.
// Entries are dropped once no caller holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the mutex for key.
func (km *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		km.release(key, l)
		return nil, errors.Join(ErrLockFailed, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			km.release(key, l)
		})
	}, nil
}

func (km *KeyedMutex) release(key string, l *keyLock) {
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
