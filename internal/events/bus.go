// Package events provides a small synchronous publish/subscribe bus used
// to surface client lifecycle events (auth results, access decisions,
// security violations, errors) to registered handlers.
package events

import (
	"sync"

	"github.com/haasonsaas/modelgate/internal/observability"
)

// Handler receives the payload published on a topic.
type Handler func(payload any)

// Well-known topics emitted by the client.
const (
	TopicUserAuthenticated = "user:authenticated"
	TopicAuthFailed        = "auth:failed"
	TopicAccessGranted     = "access:granted"
	TopicAccessDenied      = "access:denied"
	TopicRateLimitExceeded = "ratelimit:exceeded"
	TopicDangerousArgs     = "security:dangerous_args"
	TopicPatternError      = "security:pattern_error"
	TopicToolCall          = "tool:call"
	TopicToolResult        = "tool:result"
	TopicError             = "error"
)

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus dispatches events to handlers in registration order, synchronously.
// A panicking handler is recovered and logged; remaining handlers still
// run. Emit snapshots the subscriber list, so handlers may subscribe or
// unsubscribe during dispatch.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string][]subscriber
	logger *observability.Logger
}

// NewBus creates an empty bus. A nil logger falls back to the default.
func NewBus(logger *observability.Logger) *Bus {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Bus{
		topics: map[string][]subscriber{},
		logger: logger,
	}
}

// Subscription identifies a registered handler for removal.
type Subscription struct {
	topic string
	id    uint64
}

// On registers a handler for a topic and returns its subscription.
func (b *Bus) On(topic string, handler Handler) Subscription {
	if handler == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.topics[topic] = append(b.topics[topic], subscriber{id: b.nextID, handler: handler})
	return Subscription{topic: topic, id: b.nextID}
}

// Off removes a previously registered handler.
func (b *Bus) Off(sub Subscription) {
	if sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.topic]
	for i := range subs {
		if subs[i].id == sub.id {
			b.topics[sub.topic] = append(append([]subscriber{}, subs[:i]...), subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Emit synchronously delivers payload to every handler of the topic, in
// registration order.
func (b *Bus) Emit(topic string, payload any) {
	b.mu.RLock()
	subs := append([]subscriber{}, b.topics[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(topic, s, payload)
	}
}

func (b *Bus) dispatch(topic string, s subscriber, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked", "topic", topic, "panic", r)
		}
	}()
	s.handler(payload)
}

// RemoveAll drops every handler for a topic, or all handlers when the
// topic is empty.
func (b *Bus) RemoveAll(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == "" {
		b.topics = map[string][]subscriber{}
		return
	}
	delete(b.topics, topic)
}
