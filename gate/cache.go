package gate

import (
	"context"
	"sync"
	"time"
)

// CachedResolver memoises another resolver for a fixed TTL.
type CachedResolver[U comparable] struct {
	inner ProfileResolver[U]
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[U]cached
}

type cached struct {
	profile Profile
	expires time.Time
}

func NewCachedResolver[U comparable](inner ProfileResolver[U], ttl time.Duration) *CachedResolver[U] {
	return &CachedResolver[U]{inner: inner, ttl: ttl, now: time.Now, entries: make(map[U]cached)}
}

// WithClock replaces the clock used for expiry.
func (r *CachedResolver[U]) WithClock(now func() time.Time) *CachedResolver[U] {
	r.now = now
	return r
}

// Resolve returns the cached profile or asks the inner resolver. Errors are
// not cached.
func (r *CachedResolver[U]) Resolve(ctx context.Context, subject U) (Profile, error) {
	r.mu.Lock()
	e, ok := r.entries[subject]
	r.mu.Unlock()
	if ok && r.now().Before(e.expires) {
		return e.profile, nil
	}

	p, err := r.inner.Resolve(ctx, subject)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.entries[subject] = cached{profile: p, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return p, nil
}

// Invalidate drops one subject, e.g. after its profile assignment changed.
func (r *CachedResolver[U]) Invalidate(subject U) {
	r.mu.Lock()
	delete(r.entries, subject)
	r.mu.Unlock()
}

// InvalidateAll drops every entry, e.g. after a profile's permissions changed.
func (r *CachedResolver[U]) InvalidateAll() {
	r.mu.Lock()
	r.entries = make(map[U]cached)
	r.mu.Unlock()
}
