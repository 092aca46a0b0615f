// Package bus carries the job pipeline events between services. Delivery is
// at-least-once; subscribers own idempotency.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Handler consumes one message. Returning an error logs the failure; the
// bus does not redeliver, state-machine guards absorb losses on the next
// trigger.
type Handler func(ctx context.Context, data []byte) error

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes and subscribes JSON-encoded events by topic.
type Bus interface {
	Publish(ctx context.Context, topic string, event any) error
	Subscribe(topic string, h Handler) (Subscription, error)
	Close() error
}

// Memory is an in-process bus for single-binary deployments and tests.
// Handlers run synchronously in publish order, so a test can publish and
// immediately assert the effect.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string][]*memorySub
	log      *slog.Logger
	closed   bool
}

// NewMemory creates an in-process bus.
func NewMemory(log *slog.Logger) *Memory {
	return &Memory{
		handlers: make(map[string][]*memorySub),
		log:      log.With("component", "bus"),
	}
}

type memorySub struct {
	bus     *Memory
	topic   string
	handler Handler
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.handlers[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.bus.handlers[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// Publish implements Bus.
func (m *Memory) Publish(ctx context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	m.mu.RLock()
	subs := make([]*memorySub, len(m.handlers[topic]))
	copy(subs, m.handlers[topic])
	m.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.handler(ctx, data); err != nil {
			m.log.ErrorContext(ctx, "handler failed", "topic", topic, "error", err)
		}
	}
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(topic string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := &memorySub{bus: m, topic: topic, handler: h}
	m.handlers[topic] = append(m.handlers[topic], sub)
	return sub, nil
}

// Close implements Bus.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = make(map[string][]*memorySub)
	m.closed = true
	return nil
}
