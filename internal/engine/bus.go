package engine

import (
	"sync"

	"spot_engine/internal/core"
)

// Bus is the in-process pub/sub fabric. Delivery is synchronous on the
// publisher's goroutine; a panicking subscriber is contained and logged
// so one bad handler cannot stop the tick loop.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]func(payload any)
	logger   core.ILogger
}

// NewBus creates an empty bus.
func NewBus(logger core.ILogger) *Bus {
	return &Bus{
		handlers: make(map[string][]func(payload any)),
		logger:   logger.WithField("component", "bus"),
	}
}

// Subscribe registers a handler for a topic. Handlers run in
// subscription order.
func (b *Bus) Subscribe(topic string, handler func(payload any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish delivers the payload to every subscriber of the topic.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(topic, h, payload)
	}
}

func (b *Bus) deliver(topic string, handler func(payload any), payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panic recovered", "topic", topic, "panic", r)
		}
	}()
	handler(payload)
}
