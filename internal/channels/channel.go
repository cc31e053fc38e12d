// Package channels connects external messaging platforms to the message
// bus. Adapters publish inbound messages and expose a Send method the
// delivery pipeline drives; admission (pairing, allowlists, mention
// gating) is decided downstream by the session router, so adapters only
// report facts about each message.
package channels

import (
	"context"

	"github.com/clawdbot/clawdbot/internal/bus"
)

// InternalChannels are surfaces that never map to a platform adapter.
var InternalChannels = map[string]bool{
	"cli":     true,
	"webchat": true,
	"cron":    true,
}

// IsInternalChannel reports whether a surface name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Channel is one platform adapter.
type Channel interface {
	// Name returns the surface identifier ("telegram", "discord", ...).
	Name() string

	// Start begins receiving messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop(ctx context.Context) error

	// Send delivers one outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the adapter is connected.
	IsRunning() bool
}

// TypingChannel is implemented by adapters that can show a typing
// indicator for a peer.
type TypingChannel interface {
	Channel
	StartTyping(to string)
	StopTyping(to string)
}

// BaseChannel carries the state every adapter shares.
type BaseChannel struct {
	name    string
	bus     bus.MessageRouter
	running bool
}

// NewBaseChannel creates the shared adapter state.
func NewBaseChannel(name string, router bus.MessageRouter) *BaseChannel {
	return &BaseChannel{name: name, bus: router}
}

// Name returns the surface name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports the running state.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Publish forwards an inbound message to the bus, stamping the surface.
func (c *BaseChannel) Publish(msg bus.InboundMessage) {
	msg.Surface = c.name
	c.bus.PublishInbound(msg)
}

// Truncate shortens a string for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
