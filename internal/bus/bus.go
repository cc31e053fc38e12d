// Package bus carries messages and events between channel adapters, the
// dispatcher, and the gateway. Queues are bounded; a full queue drops the
// oldest entry rather than blocking a producer.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

const queueDepth = 256

// MessageBus is the in-process hub for inbound/outbound messages and events.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates a MessageBus.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, queueDepth),
		outbound: make(chan OutboundMessage, queueDepth),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message from a channel adapter.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		// Shed the oldest message so a stalled consumer cannot wedge adapters.
		select {
		case dropped := <-b.inbound:
			slog.Warn("inbound queue full, dropping oldest",
				"dropped_surface", dropped.Surface, "dropped_sender", dropped.SenderID)
		default:
		}
		b.inbound <- msg
	}
}

// ConsumeInbound blocks for the next inbound message or context cancel.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues an assistant payload for delivery.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		select {
		case dropped := <-b.outbound:
			slog.Warn("outbound queue full, dropping oldest",
				"dropped_channel", dropped.Channel, "dropped_to", dropped.To)
		default:
		}
		b.outbound <- msg
	}
}

// ConsumeOutbound blocks for the next outbound message or context cancel.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers an event handler under an id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Broadcast delivers an event to every subscriber. Handlers run on the
// caller's goroutine and must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}
