// Package bus provides the bounded in-process queues that connect the
// gateway, the scheduler and the agent loop. Inbound has a single
// consumer (the loop); outbound fans out to named subscribers in
// registration order.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultQueueCap = 64

// OutboundHandler receives one outbound message. Handlers run on the
// dispatcher goroutine, one at a time, in registration order.
type OutboundHandler func(OutboundMessage)

type subscriber struct {
	name    string
	handler OutboundHandler
}

// MessageBus owns the inbound and outbound FIFOs. Publishes block under
// backpressure and fail only after Stop.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers []subscriber

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a bus with the default queue capacity (64 per direction).
func New() *MessageBus { return NewWithCapacity(defaultQueueCap) }

// NewWithCapacity creates a bus with a specific per-queue capacity.
func NewWithCapacity(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
		stopped:  make(chan struct{}),
	}
}

// PublishInbound enqueues a message for the agent loop, blocking while
// the queue is full. It reports false once the bus has stopped.
func (b *MessageBus) PublishInbound(msg InboundMessage) bool {
	select {
	case <-b.stopped:
		slog.Debug("bus.inbound_dropped", "channel", msg.Channel, "chat_id", msg.ChatID)
		return false
	case b.inbound <- msg:
		return true
	}
}

// ConsumeInbound blocks until a message is available. It returns
// ok=false when ctx is cancelled or the bus stops.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-b.stopped:
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound enqueues a reply for the dispatcher, blocking while
// the queue is full. It reports false once the bus has stopped.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	select {
	case <-b.stopped:
		slog.Debug("bus.outbound_dropped", "channel", msg.Channel, "chat_id", msg.ChatID)
		return false
	case b.outbound <- msg:
		return true
	}
}

// SubscribeOutbound registers a named handler. A second registration
// under the same name replaces the first in place, keeping its slot in
// the dispatch order.
func (b *MessageBus) SubscribeOutbound(name string, handler OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.name == name {
			b.subscribers[i].handler = handler
			return
		}
	}
	b.subscribers = append(b.subscribers, subscriber{name: name, handler: handler})
}

// UnsubscribeOutbound removes a named handler.
func (b *MessageBus) UnsubscribeOutbound(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.name == name {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// DispatchOutbound drains the outbound queue, invoking every subscriber
// for each message. Runs until ctx is cancelled or the bus stops.
// Intended to run on its own goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopped:
			return
		case msg := <-b.outbound:
			b.mu.RLock()
			subs := make([]subscriber, len(b.subscribers))
			copy(subs, b.subscribers)
			b.mu.RUnlock()
			for _, s := range subs {
				s.handler(msg)
			}
		}
	}
}

// Stop wakes all blocked publishers and consumers. Idempotent.
func (b *MessageBus) Stop() {
	b.stopOnce.Do(func() { close(b.stopped) })
}
