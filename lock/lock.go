// Package lock provides named, TTL-bounded distributed locks.
//
// A lock is a key (the task name) holding an owner token and an expiry.
// Every mutation is conditioned on the owner token: only the holder may
// renew or release, and an abandoned lock frees itself when its TTL
// elapses. That is the only cancellation mechanism.
//
// The [Manager] takes locks from a shared [Store] (Redis, Postgres,
// DynamoDB). Outside production it may be configured with a process-local
// fallback [Arena] used while the shared store is unreachable. In
// production a store outage surfaces as [tally.ErrLockStoreUnavailable]:
// a per-process lock would silently break cross-instance exclusivity.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/tally"
)

// Store is the compare-and-swap contract a lock backend implements.
// A returned error means the backend could not be reached or answered
// abnormally. Contention is reported as false, never as an error.
type Store interface {
	// TryAcquire sets name to token with the given TTL if no live lock
	// exists for name.
	TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error)

	// Extend resets the TTL only if name is still held by token.
	Extend(ctx context.Context, name, token string, ttl time.Duration) (bool, error)

	// Release deletes name only if it is held by token.
	Release(ctx context.Context, name, token string) (bool, error)
}

// Local is implemented by stores whose locks are only visible inside the
// current process.
type Local interface {
	LocalOnly() bool
}

// Backend names which store granted a handle.
type Backend string

const (
	BackendPrimary  Backend = "primary"
	BackendFallback Backend = "fallback"
)

// Handle is proof of an acquisition. It is returned by Acquire and passed
// back to Renew and Release.
type Handle struct {
	Name       string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
	Backend    Backend
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithEnvironment sets the deployment tier. NewManager refuses a fallback
// or a process-local primary when the tier is production.
func WithEnvironment(env tally.Environment) Option {
	return func(m *Manager) { m.env = env }
}

// WithFallback sets the store used while the primary is unreachable.
func WithFallback(s Store) Option {
	return func(m *Manager) { m.fallback = s }
}

// WithTokenSource overrides owner token generation.
func WithTokenSource(fn func() string) Option {
	return func(m *Manager) { m.newToken = fn }
}

// Manager acquires, renews, and releases locks.
type Manager struct {
	primary  Store
	fallback Store
	env      tally.Environment
	logger   *slog.Logger
	newToken func() string
	now      func() time.Time
}

// NewManager creates a Manager over the given primary store.
func NewManager(primary Store, opts ...Option) (*Manager, error) {
	if primary == nil {
		return nil, tally.ErrNoStore
	}
	m := &Manager{
		primary:  primary,
		env:      tally.EnvDevelopment,
		logger:   slog.Default(),
		newToken: uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.env.IsProduction() {
		if m.fallback != nil {
			return nil, fmt.Errorf("%w: fallback configured", tally.ErrLocalLockRejected)
		}
		if l, ok := primary.(Local); ok && l.LocalOnly() {
			return nil, fmt.Errorf("%w: primary store is process-local", tally.ErrLocalLockRejected)
		}
	}
	return m, nil
}

// Acquire tries to take the lock for name. It returns (nil, false, nil)
// when another owner holds it.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Handle, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock: ttl must be positive, got %s", ttl)
	}
	h := &Handle{
		Name:       name,
		Token:      m.newToken(),
		TTL:        ttl,
		AcquiredAt: m.now(),
		Backend:    BackendPrimary,
	}

	ok, err := m.primary.TryAcquire(ctx, name, h.Token, ttl)
	if err == nil {
		if !ok {
			return nil, false, nil
		}
		return h, true, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, false, err
	}
	if m.fallback == nil {
		return nil, false, fmt.Errorf("%w: acquire %q: %w", tally.ErrLockStoreUnavailable, name, err)
	}

	m.logger.Warn("lock store unavailable, using process-local fallback",
		slog.String("lock", name),
		slog.String("error", err.Error()),
	)
	ok, err = m.fallback.TryAcquire(ctx, name, h.Token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("lock: fallback acquire %q: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	h.Backend = BackendFallback
	return h, true, nil
}

// Renew extends h by its TTL. It returns false when h no longer owns the
// lock, either because it expired or because another owner took it.
func (m *Manager) Renew(ctx context.Context, h *Handle) (bool, error) {
	ok, err := m.storeFor(h).Extend(ctx, h.Name, h.Token, h.TTL)
	if err != nil {
		return false, m.wrapStoreErr("renew", h, err)
	}
	return ok, nil
}

// Release deletes the lock if h still owns it. Releasing a lock owned by
// someone else is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	ok, err := m.storeFor(h).Release(ctx, h.Name, h.Token)
	if err != nil {
		return m.wrapStoreErr("release", h, err)
	}
	if !ok {
		m.logger.Debug("lock already released or taken over",
			slog.String("lock", h.Name),
			slog.String("backend", string(h.Backend)),
		)
	}
	return nil
}

// Production reports whether the manager runs with production semantics.
func (m *Manager) Production() bool { return m.env.IsProduction() }

func (m *Manager) storeFor(h *Handle) Store {
	if h.Backend == BackendFallback && m.fallback != nil {
		return m.fallback
	}
	return m.primary
}

func (m *Manager) wrapStoreErr(op string, h *Handle, err error) error {
	if h.Backend == BackendPrimary {
		return fmt.Errorf("%w: %s %q: %w", tally.ErrLockStoreUnavailable, op, h.Name, err)
	}
	return fmt.Errorf("lock: %s %q: %w", op, h.Name, err)
}
