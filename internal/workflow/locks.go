package workflow

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedLocks serializes work per session id. Entries are reference counted
// and dropped once nobody holds or waits on them.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

// acquire blocks until the lock for id is held or ctx is done. The returned
// release func is safe to call more than once.
func (k *keyedLocks) acquire(ctx context.Context, id string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{sem: semaphore.NewWeighted(1)}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		k.unref(id, l)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			k.unref(id, l)
		})
	}, nil
}

func (k *keyedLocks) unref(id string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
