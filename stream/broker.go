package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/tally/event"
	"github.com/xraph/tally/ext"
	"github.com/xraph/tally/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*Broker)(nil)
	_ ext.TaskDeadLettered = (*Broker)(nil)
	_ ext.Shutdown         = (*Broker)(nil)
)

// DefaultBufferSize is the per-subscriber message buffer.
const DefaultBufferSize = 256

// DefaultCredits is the initial credit grant of a new subscriber.
const DefaultCredits int64 = 1000

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithBufferSize sets the per-subscriber buffer size.
func WithBufferSize(size int) Option {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits of new subscribers.
func WithDefaultCredits(credits int64) Option {
	return func(b *Broker) { b.defaultCredits = credits }
}

// WithClock overrides the time source for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Broker delivers bus events and dead-letter notices to subscribers.
type Broker struct {
	topics *topicRegistry
	logger *slog.Logger
	now    func() time.Time

	bufferSize     int
	defaultCredits int64

	mu          sync.Mutex
	subscribers map[string]*Subscriber

	published atomic.Int64
	delivered atomic.Int64
}

// Stats is a snapshot of broker counters.
type Stats struct {
	Topics      int   `json:"topics"`
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
}

// NewBroker creates a broker. Call Attach to feed it from a bus.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		topics:         newTopicRegistry(),
		logger:         slog.Default(),
		now:            time.Now,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
		subscribers:    make(map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Attach subscribes the broker to bus and returns the unsubscribe func.
func (b *Broker) Attach(bus event.Bus) func() {
	return bus.Subscribe(b.onEvent)
}

// Subscribe registers a new subscriber on topics. Invalid topics are
// rejected before anything is registered.
func (b *Broker) Subscribe(topics ...string) (*Subscriber, error) {
	for _, t := range topics {
		if err := ValidateTopic(t); err != nil {
			return nil, err
		}
	}
	sub := newSubscriber(uuid.NewString(), b.bufferSize, b.defaultCredits)
	b.mu.Lock()
	b.subscribers[sub.ID()] = sub
	b.mu.Unlock()
	for _, t := range topics {
		b.topics.subscribe(t, sub)
	}
	return sub, nil
}

// Remove unsubscribes and closes a subscriber.
func (b *Broker) Remove(sub *Subscriber) {
	b.topics.unsubscribeAll(sub.ID())
	b.mu.Lock()
	delete(b.subscribers, sub.ID())
	b.mu.Unlock()
	sub.close()
}

// Stats returns broker counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	n := len(b.subscribers)
	b.mu.Unlock()
	return Stats{
		Topics:      b.topics.count(),
		Subscribers: n,
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
	}
}

func (b *Broker) onEvent(_ context.Context, e event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("stream: encode event",
			slog.String("type", string(e.Type())),
			slog.String("error", err.Error()),
		)
		return
	}
	b.publish(&Message{
		Type:      e.Type(),
		Timestamp: b.now().UTC(),
		StoreID:   storeOf(e),
		Data:      data,
	})
}

func (b *Broker) publish(m *Message) {
	b.published.Add(1)
	b.delivered.Add(int64(b.topics.broadcast(topicsFor(m), m)))
}

// OnTaskDeadLettered implements ext.TaskDeadLettered.
func (b *Broker) OnTaskDeadLettered(_ context.Context, res *job.Result) error {
	d := DeadLetterData{Task: res.Task, Attempts: res.Attempts}
	if res.Err != nil {
		d.Error = res.Err.Error()
	}
	if !res.DeadLetterID.IsNil() {
		d.DeadLetterID = res.DeadLetterID.String()
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	b.publish(&Message{Type: TypeTaskDeadLettered, Timestamp: b.now().UTC(), Data: data})
	return nil
}

// OnShutdown implements ext.Shutdown. It closes every subscriber.
func (b *Broker) OnShutdown(_ context.Context) error {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		b.Remove(s)
	}
	b.logger.Info("stream broker shut down", slog.Int("subscribers", len(subs)))
	return nil
}
