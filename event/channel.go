package event

import (
	"context"
	"errors"
	"sync"
)

// Channel is a shared broadcast medium between instances: Redis pub/sub,
// Postgres LISTEN/NOTIFY or a Kafka topic. Delivery is at-most-once and
// may echo a publisher's own messages back to it.
type Channel interface {
	// Publish sends one message to every current subscriber.
	Publish(ctx context.Context, msg []byte) error

	// Subscribe starts delivering messages to handle until the returned
	// Subscription is closed or the connection fails.
	Subscribe(ctx context.Context, handle func(msg []byte)) (Subscription, error)

	// Ping checks that the channel is reachable.
	Ping(ctx context.Context) error
}

// Subscription is a live receive loop on a Channel.
type Subscription interface {
	// Done is closed when the receive loop has stopped.
	Done() <-chan struct{}

	// Err reports why the loop stopped. It is nil after Close.
	Err() error

	Close() error
}

// StartLoop runs recv on its own goroutine and returns a Subscription
// that tracks it. recv must return when ctx is canceled and release its
// connection before returning. Channel implementations use it to build
// their Subscribe.
func StartLoop(ctx context.Context, recv func(ctx context.Context) error) Subscription {
	ctx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		err := recv(ctx)
		l.mu.Lock()
		if !l.closed {
			if err == nil {
				err = ErrLoopEnded
			}
			l.err = err
		}
		l.mu.Unlock()
	}()
	return l
}

// ErrLoopEnded is reported when a receive loop returns without an error
// and without being closed.
var ErrLoopEnded = errors.New("event: receive loop ended")

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func (l *loop) Done() <-chan struct{} { return l.done }

func (l *loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *loop) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	<-l.done
	return nil
}
