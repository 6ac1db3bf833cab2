package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives messages from the topics it is on. Delivery spends
// one credit per message; at zero credits, or with a full buffer, the
// message is dropped for this subscriber.
type Subscriber struct {
	id string
	ch chan *Message

	credits atomic.Int64
	dropped atomic.Int64

	mu     sync.RWMutex
	topics map[string]struct{}

	// sendMu orders sends before close.
	sendMu sync.RWMutex
	closed bool
}

func newSubscriber(id string, bufferSize int, credits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     make(chan *Message, bufferSize),
		topics: make(map[string]struct{}),
	}
	s.credits.Store(credits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the message channel. It is closed when the subscriber is
// removed or the broker closes.
func (s *Subscriber) C() <-chan *Message { return s.ch }

// AddCredits allows n more messages.
func (s *Subscriber) AddCredits(n int64) { s.credits.Add(n) }

// Credits returns the remaining credits.
func (s *Subscriber) Credits() int64 { return s.credits.Load() }

// Dropped returns how many messages this subscriber missed.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Topics returns the subscribed topics.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// send delivers m without blocking and reports whether it was queued.
func (s *Subscriber) send(m *Message) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return false
	}
	for {
		cur := s.credits.Load()
		if cur <= 0 {
			s.dropped.Add(1)
			return false
		}
		if s.credits.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	select {
	case s.ch <- m:
		return true
	default:
		s.credits.Add(1)
		s.dropped.Add(1)
		return false
	}
}

func (s *Subscriber) close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
