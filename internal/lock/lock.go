// Package lock provides per-key advisory locks that serialize upgrade
// requests per tenant and callbacks per correlation id.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned when a lock could not be taken before the wait expired.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker hands out exclusive locks by key. The returned unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal returns an empty in-process Locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	s := l.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.releaseSlot(key, s)
		})
	}, nil
}
