package bus

import "context"

// InboundMessage is a user message arriving from a channel adapter.
type InboundMessage struct {
	Surface      string            `json:"surface"` // "telegram", "discord", "webchat", ...
	SenderID     string            `json:"sender_id"`
	To           string            `json:"to"`        // chat/peer id the message arrived on
	ChatType     string            `json:"chat_type"` // "direct" or "group"
	WasMentioned bool              `json:"was_mentioned,omitempty"`
	ReplyToBot   bool              `json:"reply_to_bot,omitempty"` // message replies to an assistant message
	Body         string            `json:"body"`
	Media        []string          `json:"media,omitempty"`
	ThreadID     string            `json:"thread_id,omitempty"`
	AccountID    string            `json:"account_id,omitempty"`
	AgentID      string            `json:"agent_id,omitempty"` // explicit agent routing, empty = default
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is an assistant payload bound for a channel adapter.
type OutboundMessage struct {
	Channel   string   `json:"channel"`
	To        string   `json:"to"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
	ReplyToID string   `json:"reply_to_id,omitempty"`
	ThreadID  string   `json:"thread_id,omitempty"`
}

// Event is a server-side event broadcast to gateway subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles one broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription so the gateway and
// the dispatcher do not depend on the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message flow between channel
// adapters and the dispatcher.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
