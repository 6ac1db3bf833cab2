// Package kafka implements event.Channel on a Kafka topic. Every
// subscription joins its own consumer group starting at the newest
// offset, so each instance sees every message published after it
// subscribed. Offsets are committed as messages are read; nothing is
// replayed after a restart.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/xraph/tally/event"
)

// DefaultTopic is the topic used when none is configured.
const DefaultTopic = "tally.events"

// Config locates the topic.
type Config struct {
	Brokers []string
	Topic   string
	// GroupPrefix prefixes each subscription's consumer group ID.
	GroupPrefix string
}

// Writer is the subset of *kafka.Writer the channel uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader the channel uses.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithWriter replaces the default writer.
func WithWriter(w Writer) Option {
	return func(c *Channel) { c.writer = w }
}

// WithReaderFunc replaces how subscription readers are built.
func WithReaderFunc(fn func(kafka.ReaderConfig) Reader) Option {
	return func(c *Channel) { c.newReader = fn }
}

// Channel is an event.Channel over a Kafka topic.
type Channel struct {
	cfg       Config
	dialer    *kafka.Dialer
	writer    Writer
	newReader func(kafka.ReaderConfig) Reader
	logger    *slog.Logger
}

var _ event.Channel = (*Channel)(nil)

// New creates a channel. It does not contact the brokers.
func New(cfg Config, opts ...Option) (*Channel, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("tally/kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "tally-bus"
	}
	c := &Channel{
		cfg:    cfg,
		dialer: &kafka.Dialer{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.writer == nil {
		c.writer = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			MaxAttempts:            3,
			ReadTimeout:            10 * time.Second,
			WriteTimeout:           10 * time.Second,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
	}
	if c.newReader == nil {
		c.newReader = func(rc kafka.ReaderConfig) Reader { return kafka.NewReader(rc) }
	}
	return c, nil
}

// ReaderConfig returns the reader configuration for a new subscription
// with the given consumer group.
func (c *Channel) ReaderConfig(groupID string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		Topic:       c.cfg.Topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		Dialer:      c.dialer,
		StartOffset: kafka.LastOffset,
	}
}

// Publish writes msg to the topic.
func (c *Channel) Publish(ctx context.Context, msg []byte) error {
	if err := c.writer.WriteMessages(ctx, kafka.Message{Value: msg}); err != nil {
		return fmt.Errorf("tally/kafka: write: %w", err)
	}
	return nil
}

// Subscribe joins a fresh consumer group and delivers messages until the
// subscription is closed or reading fails.
func (c *Channel) Subscribe(ctx context.Context, handle func([]byte)) (event.Subscription, error) {
	group := c.cfg.GroupPrefix + "-" + uuid.NewString()
	r := c.newReader(c.ReaderConfig(group))
	c.logger.Debug("kafka subscription started",
		slog.String("topic", c.cfg.Topic),
		slog.String("group", group),
	)

	return event.StartLoop(ctx, func(ctx context.Context) error {
		defer r.Close()
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("tally/kafka: read: %w", err)
			}
			handle(m.Value)
		}
	}), nil
}

// Ping dials the brokers until one answers.
func (c *Channel) Ping(ctx context.Context) error {
	var errs []error
	for _, b := range c.cfg.Brokers {
		conn, err := c.dialer.DialContext(ctx, "tcp", b)
		if err == nil {
			return conn.Close()
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("tally/kafka: ping: %w", errors.Join(errs...))
}

// Close closes the writer. Subscriptions close their own readers.
func (c *Channel) Close() error {
	return c.writer.Close()
}
