package event

import (
	"context"
	"log/slog"
	"sync"
)

// Listener receives events. It runs on the publisher's goroutine for
// local publishes and on the channel's receive goroutine for relayed ones.
type Listener func(ctx context.Context, e Event)

// Bus publishes events to subscribed listeners. Publish never returns
// transport errors; they are absorbed by the implementation.
type Bus interface {
	Publish(ctx context.Context, e Event)
	Subscribe(l Listener) (unsubscribe func())
	Close() error
}

// ──────────────────────────────────────────────────
// Local
// ──────────────────────────────────────────────────

// LocalBus fans events out to in-process listeners, synchronously and in
// subscription order.
type LocalBus struct {
	mu        sync.RWMutex
	listeners []subscription
	nextID    uint64
	closed    bool
	logger    *slog.Logger
}

type subscription struct {
	id uint64
	fn Listener
}

// LocalOption configures a LocalBus.
type LocalOption func(*LocalBus)

// WithLocalLogger sets the logger used for listener panics.
func WithLocalLogger(l *slog.Logger) LocalOption {
	return func(b *LocalBus) { b.logger = l }
}

// NewLocalBus returns an empty bus.
func NewLocalBus(opts ...LocalOption) *LocalBus {
	b := &LocalBus{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ Bus = (*LocalBus)(nil)

// Publish calls every listener registered at the time of the call. A
// panicking listener is logged and does not stop delivery to the rest.
func (b *LocalBus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Copy to avoid holding the lock while listeners run.
	targets := make([]subscription, len(b.listeners))
	copy(targets, b.listeners)
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(ctx, s.fn, e)
	}
}

func (b *LocalBus) deliver(ctx context.Context, fn Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				slog.String("type", string(e.Type())),
				slog.Any("panic", r),
			)
		}
	}()
	fn(ctx, e)
}

// Subscribe registers l and returns a function that removes it. The
// returned function is safe to call more than once.
func (b *LocalBus) Subscribe(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sid := b.nextID
	b.listeners = append(b.listeners, subscription{id: sid, fn: l})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sid) })
	}
}

func (b *LocalBus) remove(sid uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.listeners {
		if s.id == sid {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (b *LocalBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Close drops all listeners. Later publishes are no-ops.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.listeners = nil
	return nil
}
