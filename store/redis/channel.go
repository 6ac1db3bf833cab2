package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/tally/event"
)

// Channel is an event.Channel over Redis PUBLISH/SUBSCRIBE.
type Channel struct {
	client redis.UniversalClient
	name   string
}

var _ event.Channel = (*Channel)(nil)

// NewChannel creates a channel on the given pub/sub channel name.
func NewChannel(client redis.UniversalClient, name string) *Channel {
	if name == "" {
		name = DefaultChannel
	}
	return &Channel{client: client, name: name}
}

// Channel returns an event.Channel sharing the store's client.
func (s *Store) Channel(name string) *Channel {
	return NewChannel(s.client, name)
}

// Publish sends msg to every current subscriber.
func (c *Channel) Publish(ctx context.Context, msg []byte) error {
	if err := c.client.Publish(ctx, c.name, msg).Err(); err != nil {
		return fmt.Errorf("tally/redis: publish: %w", err)
	}
	return nil
}

// Subscribe waits for the SUBSCRIBE confirmation and then delivers
// messages until the subscription is closed or the connection fails.
func (c *Channel) Subscribe(ctx context.Context, handle func([]byte)) (event.Subscription, error) {
	ps := c.client.Subscribe(ctx, c.name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("tally/redis: subscribe: %w", err)
	}

	return event.StartLoop(ctx, func(ctx context.Context) error {
		// ReceiveMessage ignores ctx once it is blocked on the socket;
		// closing the PubSub is what unblocks it.
		stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
		defer func() {
			if stop() {
				_ = ps.Close()
			}
		}()
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("tally/redis: receive: %w", err)
			}
			handle([]byte(msg.Payload))
		}
	}), nil
}

// Ping checks connectivity.
func (c *Channel) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
