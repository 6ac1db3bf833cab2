package lock

import (
	"context"
	"sync"
	"time"
)

var (
	_ Store = (*Arena)(nil)
	_ Local = (*Arena)(nil)
)

type arenaEntry struct {
	token     string
	expiresAt time.Time
}

// ArenaOption configures an Arena.
type ArenaOption func(*Arena)

// WithClock overrides the time source. Used by tests to step past TTLs.
func WithClock(now func() time.Time) ArenaOption {
	return func(a *Arena) { a.now = now }
}

// Arena is a process-local Store: a map from lock name to owner token and
// expiry, guarded by one mutex. Expired entries count as absent.
type Arena struct {
	mu    sync.Mutex
	locks map[string]arenaEntry
	now   func() time.Time
}

// NewArena returns an empty Arena.
func NewArena(opts ...ArenaOption) *Arena {
	a := &Arena{
		locks: make(map[string]arenaEntry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LocalOnly implements Local.
func (a *Arena) LocalOnly() bool { return true }

// TryAcquire implements Store.
func (a *Arena) TryAcquire(_ context.Context, name, token string, ttl time.Duration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if e, ok := a.locks[name]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	a.locks[name] = arenaEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Extend implements Store.
func (a *Arena) Extend(_ context.Context, name, token string, ttl time.Duration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	e, ok := a.locks[name]
	if !ok || e.token != token || !now.Before(e.expiresAt) {
		return false, nil
	}
	e.expiresAt = now.Add(ttl)
	a.locks[name] = e
	return true, nil
}

// Release implements Store.
func (a *Arena) Release(_ context.Context, name, token string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.locks[name]
	if !ok || e.token != token {
		return false, nil
	}
	delete(a.locks, name)
	return true, nil
}

// Len returns the number of live locks.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	n := 0
	for _, e := range a.locks {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}
