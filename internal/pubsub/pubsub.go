// Package pubsub is the in-process fan-out fabric for metric updates and
// alarm transitions. Delivery is best effort: each subscriber owns a
// bounded buffer and publishes never block, so a slow consumer loses
// events instead of stalling ingestion.
package pubsub

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Topic names a broadcast stream.
type Topic string

const (
	// TopicMetricUpdate carries flattened metric-update events.
	TopicMetricUpdate Topic = "metricUpdate"
	// TopicAlarmStateChange carries alarm state transitions.
	TopicAlarmStateChange Topic = "alarmStateChange"
)

// DefaultBuffer is the per-subscriber channel capacity used when the
// caller passes 0.
const DefaultBuffer = 256

// Subscription is one subscriber's receive side. Close it via
// Unsubscribe; the broker closes C on unsubscribe and on shutdown.
type Subscription struct {
	C      <-chan any
	topic  Topic
	ch     chan any
	broker *Broker
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.broker.unsubscribe(s)
}

// Broker is the topic-keyed broadcaster.
type Broker struct {
	mu     sync.RWMutex
	subs   map[Topic]map[*Subscription]struct{}
	closed bool
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[Topic]map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given buffer capacity
// (0 selects DefaultBuffer).
func (b *Broker) Subscribe(topic Topic, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan any, buffer)
	sub := &Subscription{C: ch, ch: ch, topic: topic, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.topic]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
}

// Publish fans the event out to every subscriber of the topic. Full
// buffers drop the event for that subscriber only.
func (b *Broker) Publish(topic Topic, event any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- event:
		default:
			log.Debug().Str("topic", string(topic)).Msg("Subscriber buffer full, dropping event")
		}
	}
}

// SubscriberCount reports the live subscriber count for a topic.
func (b *Broker) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close shuts the broker down and closes every subscriber channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	b.subs = make(map[Topic]map[*Subscription]struct{})
}
