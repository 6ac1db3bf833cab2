package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/tally/event"
)

// DefaultChannel is the NOTIFY channel used when none is given.
const DefaultChannel = "tally_events"

// Channel is an event.Channel over LISTEN/NOTIFY. Each subscription holds
// one pooled connection for as long as it lives. NOTIFY payloads are
// limited to 8000 bytes by the server.
type Channel struct {
	pool *pgxpool.Pool
	name string
}

var _ event.Channel = (*Channel)(nil)

// NewChannel creates a channel on the given NOTIFY channel name.
func NewChannel(pool *pgxpool.Pool, name string) *Channel {
	if name == "" {
		name = DefaultChannel
	}
	return &Channel{pool: pool, name: name}
}

// Channel returns an event.Channel sharing the store's pool.
func (s *Store) Channel(name string) *Channel {
	return NewChannel(s.pool, name)
}

// Publish sends msg with pg_notify.
func (c *Channel) Publish(ctx context.Context, msg []byte) error {
	if _, err := c.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, c.name, string(msg)); err != nil {
		return fmt.Errorf("tally/postgres: notify: %w", err)
	}
	return nil
}

// Subscribe acquires a dedicated connection, issues LISTEN and delivers
// notifications until the subscription is closed or the connection fails.
func (c *Channel) Subscribe(ctx context.Context, handle func([]byte)) (event.Subscription, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{c.name}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("tally/postgres: listen: %w", err)
	}

	return event.StartLoop(ctx, func(ctx context.Context) error {
		defer func() {
			// Close rather than return to the pool so the LISTEN dies with it.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("tally/postgres: wait for notification: %w", err)
			}
			handle([]byte(n.Payload))
		}
	}), nil
}

// Ping checks connectivity.
func (c *Channel) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}
