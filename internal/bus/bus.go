// Package bus implements njord's in-process typed pub/sub: topic strings
// with single-segment wildcard subscriptions, at-most-once delivery, and
// per-topic per-publisher FIFO ordering. There is no broker in the pack
// this is grounded on (no repo imports redis/nats/kafka), so the Bus is a
// plain channel fan-out rather than a network client.
package bus

import (
	"strings"
	"sync"
)

// Payload is whatever a publisher hands the Bus; subscribers decode it
// against the concrete contracts type they expect.
type Payload = any

// Bus is safe for concurrent publish/subscribe/close from multiple
// goroutines.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscription
	closed      bool
}

type subscription struct {
	pattern string
	ch      chan Payload
}

// BufferSize is the default per-subscriber channel capacity. Publish
// blocks (applying backpressure, per the spec's no-drop-on-hot-path rule)
// once a subscriber's buffer is full.
const BufferSize = 256

func New() *Bus {
	return &Bus{subscribers: make(map[string][]*subscription)}
}

// Subscription is a lazy sequence of payloads for one Subscribe call.
type Subscription struct {
	bus     *Bus
	sub     *subscription
}

// C returns the channel to range over. It is closed when Close is called
// on the Bus or the subscription is explicitly unsubscribed.
func (s *Subscription) C() <-chan Payload { return s.sub.ch }

// Unsubscribe stops delivery to this subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscribers[s.sub.pattern]
	for i, sub := range subs {
		if sub == s.sub {
			s.bus.subscribers[s.sub.pattern] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Subscribe registers interest in topic, which may contain a single "*"
// wildcard matching exactly one dot-separated segment.
func (b *Bus) Subscribe(pattern string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{pattern: pattern, ch: make(chan Payload, BufferSize)}
	b.subscribers[pattern] = append(b.subscribers[pattern], sub)
	return &Subscription{bus: b, sub: sub}
}

// Publish delivers payload to every live subscriber whose pattern matches
// topic. Delivery is at-most-once per subscriber: a subscriber that is not
// currently subscribed misses the message permanently (replay is a journal
// concern, not the Bus's).
func (b *Bus) Publish(topic string, payload Payload) {
	for _, sub := range b.matching(topic) {
		sub.ch <- payload
	}
}

// PublishBatch delivers payloads to matching subscribers in order,
// equivalent to sequential Publish calls but with ordering guaranteed
// across the whole batch even under concurrent publishers to other topics.
func (b *Bus) PublishBatch(topic string, payloads []Payload) {
	subs := b.matching(topic)
	for _, payload := range payloads {
		for _, sub := range subs {
			sub.ch <- payload
		}
	}
}

func (b *Bus) matching(topic string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*subscription
	for pattern, subs := range b.subscribers {
		if topicMatches(pattern, topic) {
			out = append(out, subs...)
		}
	}
	return out
}

// topicMatches reports whether topic satisfies pattern, where pattern may
// contain exactly one "*" segment matching any single dot-separated
// component of topic (not a multi-segment suffix).
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pParts := strings.Split(pattern, ".")
	tParts := strings.Split(topic, ".")
	if len(pParts) != len(tParts) {
		return false
	}
	for i, p := range pParts {
		if p == "*" {
			continue
		}
		if p != tParts[i] {
			return false
		}
	}
	return true
}

// Close shuts down every subscriber channel. Subsequent Publish calls are
// no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.subscribers = make(map[string][]*subscription)
}
