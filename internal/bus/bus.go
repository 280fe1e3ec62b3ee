// Package bus is the in-process message fabric between channel adapters and
// the gateway consumer. Adapters publish inbound chat events; the consumer
// publishes outbound replies back for delivery.
package bus

import "context"

// InboundMessage is one chat event as seen by a single hosted bot account.
// The same underlying chat message fans out into one InboundMessage per
// account whose gateway session received it.
type InboundMessage struct {
	Channel   string // adapter name, e.g. "discord"
	AccountID string // hosted bot account that received the event
	BotUserID string // that account's chat-platform identity

	ChatID     string
	MessageID  string
	SenderID   string
	SenderName string
	// SenderIsBot marks events authored by another bot (possibly one of
	// ours); the coordinator uses it for trigger self-exclusion.
	SenderIsBot bool

	Content string
	// Mentions lists chat user IDs explicitly mentioned, in mention order.
	Mentions []string

	Metadata map[string]string
}

// OutboundMessage is one reply to deliver through a channel adapter.
type OutboundMessage struct {
	Channel   string
	AccountID string
	ChatID    string
	Content   string
	Metadata  map[string]string
}

const busBuffer = 256

// MessageBus carries inbound and outbound messages between the adapters and
// the consumer loops. Close unblocks all consumers.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, busBuffer),
		outbound: make(chan OutboundMessage, busBuffer),
		done:     make(chan struct{}),
	}
}

// PublishInbound enqueues an inbound event, dropping it if the bus is closed.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	case <-b.done:
	}
}

// ConsumeInbound blocks for the next inbound event. ok is false once the bus
// is closed or the context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-b.done:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a reply for delivery, dropping it if the bus is
// closed.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	case <-b.done:
	}
}

// ConsumeOutbound blocks for the next outbound reply. ok is false once the
// bus is closed or the context is cancelled.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-b.done:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Close shuts the bus down. Safe to call once.
func (b *MessageBus) Close() {
	close(b.done)
}
