package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xraph/tally/event"
)

// Topics:
//
//	store:<storeID>  events scoped to one store
//	type:<type>      one event type across stores
//	tasks            dead-lettered task runs
//	firehose         everything
const (
	TopicTasks    = "tasks"
	TopicFirehose = "firehose"
)

// StoreTopic returns the topic for a store's events.
func StoreTopic(storeID string) string { return "store:" + storeID }

// TypeTopic returns the topic for one event type.
func TypeTopic(t event.Type) string { return "type:" + string(t) }

// ValidateTopic rejects topics no message is ever published to.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicTasks, TopicFirehose:
		return nil
	}
	kind, rest, ok := strings.Cut(topic, ":")
	if !ok || rest == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}
	switch kind {
	case "store", "type":
		return nil
	default:
		return fmt.Errorf("stream: unknown topic kind %q", kind)
	}
}

// topicsFor returns every topic m is published to.
func topicsFor(m *Message) []string {
	topics := []string{TopicFirehose, TypeTopic(m.Type)}
	if m.StoreID != "" {
		topics = append(topics, StoreTopic(m.StoreID))
	}
	if m.Type == TypeTaskDeadLettered {
		topics = append(topics, TopicTasks)
	}
	return topics
}

// topicRegistry maps topics to their subscribers. It is safe for
// concurrent use.
type topicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{topics: make(map[string]map[string]*Subscriber)}
}

func (tr *topicRegistry) subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
}

func (tr *topicRegistry) unsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for topic, subs := range tr.topics {
		if sub, ok := subs[subscriberID]; ok {
			sub.removeTopic(topic)
			delete(subs, subscriberID)
		}
		if len(subs) == 0 {
			delete(tr.topics, topic)
		}
	}
}

// broadcast delivers m once to each subscriber on any of topics and
// returns how many accepted it.
func (tr *topicRegistry) broadcast(topics []string, m *Message) int {
	tr.mu.RLock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for sid, sub := range tr.topics[topic] {
			seen[sid] = sub
		}
	}
	tr.mu.RUnlock()

	delivered := 0
	for _, sub := range seen {
		if sub.send(m) {
			delivered++
		}
	}
	return delivered
}

func (tr *topicRegistry) count() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}
