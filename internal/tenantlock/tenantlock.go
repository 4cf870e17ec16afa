// Package tenantlock serializes work on a tenant's chain head.
package tenantlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotAcquired is returned when the lock could not be taken before the deadline.
var ErrNotAcquired = errors.New("tenant lock not acquired")

// Locker grants exclusive access per tenant. The returned release func is
// idempotent and must be called exactly once the critical section ends.
type Locker interface {
	Lock(ctx context.Context, tenantID uint) (release func(), err error)
}

// Local is an in-process keyed mutex. Waiters honour context cancellation.
type Local struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[uint]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocal creates an in-process locker. A zero timeout waits for ctx only.
func NewLocal(timeout time.Duration) *Local {
	return &Local{timeout: timeout, locks: make(map[uint]*localEntry)}
}

func (l *Local) Lock(ctx context.Context, tenantID uint) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[tenantID]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.locks[tenantID] = e
	}
	e.refs++
	l.mu.Unlock()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(tenantID, e)
		return nil, fmt.Errorf("%w: tenant %d: %w", ErrNotAcquired, tenantID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.unref(tenantID, e)
		})
	}, nil
}

func (l *Local) unref(tenantID uint, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, tenantID)
	}
}
