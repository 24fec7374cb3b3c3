package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultInboundBuffer = 256

// MessageBus is the in-process queue between platform adapters and the
// orchestrator, plus a fan-out for lifecycle events.
type MessageBus struct {
	inbound chan InboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates a bus. buffer <= 0 selects the default inbound capacity.
func New(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = defaultInboundBuffer
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, buffer),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message. It blocks while the queue is full so
// that no user message is dropped; ctx bounds the wait.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.inbound <- msg.Clone():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// Subscribe registers an event handler under id, replacing any previous one.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Broadcast delivers event to every subscriber synchronously. Handlers must
// not block; a panicking handler is logged and skipped.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus: event handler panic", "event", event.Name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

var (
	_ MessageRouter  = (*MessageBus)(nil)
	_ EventPublisher = (*MessageBus)(nil)
)
