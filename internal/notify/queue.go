package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Event is one notification published to a named topic. Payload carries the
// topic-specific JSON document (handover record, current-DJ identity, or a
// listener status snapshot).
type Event struct {
	Topic      string          `json:"topic"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Queue fan-outs notification events to interested subscribers. Delivery is
// best-effort and at-most-once; publishers never block on slow consumers.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(topics ...string) Subscription
	Ping(ctx context.Context) error
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Topic names used by the live broadcast subsystem.
const (
	TopicListenerStatus = "listener-status"
)

// HandoverTopic returns the per-broadcast topic carrying full handover records.
func HandoverTopic(broadcastID string) string {
	return fmt.Sprintf("broadcast/%s/handover", broadcastID)
}

// CurrentDJTopic returns the per-broadcast topic carrying on-air DJ changes.
func CurrentDJTopic(broadcastID string) string {
	return fmt.Sprintf("broadcast/%s/current-dj", broadcastID)
}

// NewEvent marshals payload into an Event for the given topic and type.
func NewEvent(topic, eventType string, payload interface{}) (Event, error) {
	if topic == "" {
		return Event{}, errors.New("topic is required")
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal notification payload: %w", err)
		}
		raw = data
	}
	return Event{
		Topic:      topic,
		Type:       eventType,
		Payload:    raw,
		OccurredAt: time.Now().UTC(),
	}, nil
}

// NewMemoryQueue initialises an in-memory fan-out queue suitable for tests and
// single-process deployments.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Topic == "" {
		return errors.New("topic is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		if !sub.matches(event.Topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Drop instead of blocking to keep the live path
			// responsive. Consumers are expected to drain promptly.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe(topics ...string) Subscription {
	sub := &memorySubscription{
		queue:  q,
		ch:     make(chan Event, q.buffer),
		topics: topicSet(topics),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

func (q *memoryQueue) Ping(context.Context) error {
	return nil
}

func topicSet(topics []string) map[string]struct{} {
	if len(topics) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		if topic != "" {
			set[topic] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

type memorySubscription struct {
	once   sync.Once
	queue  *memoryQueue
	ch     chan Event
	topics map[string]struct{}
}

// matches reports whether the subscription wants the topic. A nil topic set
// subscribes to everything.
func (s *memorySubscription) matches(topic string) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
