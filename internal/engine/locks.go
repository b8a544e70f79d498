package engine

import (
	"context"
	"sync"
)

// OwnerLocks serializes work per owner. Waiters queue until the holder
// releases or their context ends.
type OwnerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	ch   chan struct{}
	refs int
}

// NewOwnerLocks creates an empty lock table
func NewOwnerLocks() *OwnerLocks {
	return &OwnerLocks{locks: make(map[string]*ownerLock)}
}

// Lock blocks until the owner's lock is held or ctx is done
func (o *OwnerLocks) Lock(ctx context.Context, ownerID string) (func(), error) {
	o.mu.Lock()
	l, ok := o.locks[ownerID]
	if !ok {
		l = &ownerLock{ch: make(chan struct{}, 1)}
		o.locks[ownerID] = l
	}
	l.refs++
	o.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		o.unref(ownerID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			o.unref(ownerID, l)
		})
	}, nil
}

func (o *OwnerLocks) unref(ownerID string, l *ownerLock) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(o.locks, ownerID)
	}
}

// Len returns the number of owners currently locked or waited on
func (o *OwnerLocks) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.locks)
}
