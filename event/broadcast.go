package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/backoff"
	"github.com/xraph/tally/id"
)

// State is the health of a BroadcastBus's channel.
type State int

const (
	Healthy State = iota
	Unhealthy
)

func (s State) String() string {
	if s == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

// DefaultSendTimeout bounds one channel send.
const DefaultSendTimeout = 5 * time.Second

// BroadcastOption configures a BroadcastBus.
type BroadcastOption func(*BroadcastBus)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BroadcastOption {
	return func(b *BroadcastBus) { b.logger = l }
}

// WithRecovery sets the delay strategy between recovery attempts. The
// attempt number resets after each successful recovery.
func WithRecovery(s backoff.Strategy) BroadcastOption {
	return func(b *BroadcastBus) { b.recovery = s }
}

// WithSendTimeout bounds each channel send. A send that runs past it
// counts as a channel failure.
func WithSendTimeout(d time.Duration) BroadcastOption {
	return func(b *BroadcastBus) { b.sendTimeout = d }
}

// WithCodec sets the envelope encoding for outgoing events. Incoming
// events are decoded whatever their encoding. The default is JSONCodec.
func WithCodec(c Codec) BroadcastOption {
	return func(b *BroadcastBus) { b.codec = c }
}

// WithInstanceID overrides the random per-process source id.
func WithInstanceID(inst id.InstanceID) BroadcastOption {
	return func(b *BroadcastBus) { b.instance = inst }
}

// WithStateHook registers fn to be called after each state transition.
func WithStateHook(fn func(State, error)) BroadcastOption {
	return func(b *BroadcastBus) { b.onState = fn }
}

// BroadcastBus delivers to local listeners first and then relays the
// event over a shared Channel to other instances. Channel failures move
// the bus to Unhealthy, where it keeps serving local listeners and
// retries the channel on a timer until it recovers.
type BroadcastBus struct {
	local    *LocalBus
	channel  Channel
	instance id.InstanceID
	recovery backoff.Strategy
	logger   *slog.Logger
	onState  func(State, error)

	codec       Codec
	sendTimeout time.Duration

	mu       sync.Mutex
	state    State
	sub      Subscription
	timer    *time.Timer
	attempts int
	lastErr  error
	closed   bool
}

var _ Bus = (*BroadcastBus)(nil)

// NewBroadcastBus creates a bus relaying over ch. The receive side is not
// opened until the first Subscribe.
func NewBroadcastBus(ch Channel, opts ...BroadcastOption) *BroadcastBus {
	b := &BroadcastBus{
		channel:  ch,
		instance: id.NewInstanceID(),
		recovery: backoff.NewConstant(tally.DefaultConfig().BusRecoveryInterval),
		logger:   slog.Default(),

		codec:       JSONCodec{},
		sendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.local = NewLocalBus(WithLocalLogger(b.logger))
	return b
}

// Instance returns the source id stamped on outgoing envelopes.
func (b *BroadcastBus) Instance() id.InstanceID { return b.instance }

// State returns the current channel health.
func (b *BroadcastBus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Publish delivers e to local listeners, then sends it on the channel.
// While Unhealthy the send is skipped. A failed send is not retried. The
// send runs detached from ctx's cancellation and is bounded by the send
// timeout, so a caller giving up never marks the channel unhealthy.
func (b *BroadcastBus) Publish(ctx context.Context, e Event) {
	b.local.Publish(ctx, e)

	b.mu.Lock()
	skip := b.closed || b.state == Unhealthy
	b.mu.Unlock()
	if skip {
		return
	}

	msg, err := b.codec.Encode(b.instance, e)
	if err != nil {
		b.logger.Error("event: encode for broadcast failed",
			slog.String("type", string(e.Type())),
			slog.String("error", err.Error()),
		)
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.sendTimeout)
	defer cancel()
	if err := b.channel.Publish(sendCtx, msg); err != nil {
		b.markUnhealthy(err)
	}
}

// Subscribe registers l locally and opens the channel subscription if
// this is the first listener and the channel is healthy.
func (b *BroadcastBus) Subscribe(l Listener) func() {
	unsubscribe := b.local.Subscribe(l)

	b.mu.Lock()
	need := !b.closed && b.state == Healthy && b.sub == nil
	b.mu.Unlock()
	if need {
		if err := b.connect(context.Background()); err != nil {
			b.markUnhealthy(err)
		}
	}
	return unsubscribe
}

// connect opens a channel subscription and installs it. A concurrent
// caller that installed one first wins; the extra is closed.
func (b *BroadcastBus) connect(ctx context.Context) error {
	sub, err := b.channel.Subscribe(ctx, b.receive)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed || b.sub != nil {
		b.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	b.sub = sub
	b.mu.Unlock()

	go b.watch(sub)
	return nil
}

// watch waits for sub to stop. A stop the bus did not ask for is a
// connection-level failure.
func (b *BroadcastBus) watch(sub Subscription) {
	<-sub.Done()

	b.mu.Lock()
	if b.sub != sub {
		b.mu.Unlock()
		return
	}
	b.sub = nil
	b.mu.Unlock()

	err := sub.Err()
	if err == nil {
		err = tally.ErrChannelClosed
	}
	b.markUnhealthy(err)
}

func (b *BroadcastBus) receive(msg []byte) {
	source, e, err := Decode(msg)
	if err != nil {
		b.logger.Warn("event: dropping undecodable message", slog.String("error", err.Error()))
		return
	}
	if source == b.instance {
		return
	}
	b.local.Publish(context.Background(), e)
}

func (b *BroadcastBus) markUnhealthy(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.lastErr = err
	changed := b.state == Healthy
	b.state = Unhealthy
	if b.timer == nil {
		b.scheduleLocked()
	}
	b.mu.Unlock()

	if changed {
		b.logger.Warn("event: broadcast channel unhealthy, delivering locally only",
			slog.String("instance_id", b.instance.String()),
			slog.String("error", err.Error()),
		)
		b.notify(Unhealthy, err)
	}
}

func (b *BroadcastBus) scheduleLocked() {
	b.attempts++
	b.timer = time.AfterFunc(b.recovery.Delay(b.attempts), b.tryRecover)
}

// tryRecover pings the channel and, if listeners exist, re-subscribes.
// Failure schedules the next attempt.
func (b *BroadcastBus) tryRecover() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	old := b.sub
	b.sub = nil
	b.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := b.channel.Ping(ctx)
	if err == nil && b.local.Len() > 0 {
		err = b.connect(context.Background())
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if err != nil {
		b.lastErr = err
		if b.timer == nil {
			b.scheduleLocked()
		}
		attempt := b.attempts
		b.mu.Unlock()
		b.logger.Debug("event: broadcast recovery failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return
	}
	if b.timer != nil {
		// The new subscription already failed; the pending attempt handles it.
		b.mu.Unlock()
		return
	}
	b.attempts = 0
	b.lastErr = nil
	b.state = Healthy
	b.mu.Unlock()

	b.logger.Info("event: broadcast channel recovered",
		slog.String("instance_id", b.instance.String()),
	)
	b.notify(Healthy, nil)
}

func (b *BroadcastBus) notify(s State, err error) {
	if b.onState != nil {
		b.onState(s, err)
	}
}

// LastError returns the error that made the bus Unhealthy, or nil.
func (b *BroadcastBus) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Close stops recovery, closes the channel subscription and drops local
// listeners. The Channel itself belongs to the caller.
func (b *BroadcastBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	var errs []error
	if sub != nil {
		errs = append(errs, sub.Close())
	}
	errs = append(errs, b.local.Close())
	return errors.Join(errs...)
}
