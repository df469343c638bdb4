// Package threadlock serializes work per conversation thread. Turns on
// the same thread run one at a time in arrival order of lock acquisition;
// turns on different threads never wait on each other.
package threadlock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locker hands out per-thread exclusive locks. The zero value is not
// usable; call New.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  *semaphore.Weighted
	refs int // holders plus waiters
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Acquire blocks until the caller holds the lock for threadID or ctx is
// done. There is no timeout beyond what ctx carries. The returned release
// func is safe to call more than once.
func (l *Locker) Acquire(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[threadID]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[threadID] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.unref(threadID, e)
		return nil, fmt.Errorf("acquire thread %s: %w", threadID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(threadID, e)
		})
	}, nil
}

// unref drops one reference and reclaims the entry when nobody holds
// or waits on it.
func (l *Locker) unref(threadID string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 && l.entries[threadID] == e {
		delete(l.entries, threadID)
	}
}

// Do runs fn while holding the lock for threadID. The lock is released
// when fn returns or panics.
func (l *Locker) Do(ctx context.Context, threadID string, fn func(context.Context) error) error {
	release, err := l.Acquire(ctx, threadID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Active reports how many threads currently have a holder or waiter.
func (l *Locker) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
