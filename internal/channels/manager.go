package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clawdbot/clawdbot/internal/bus"
)

// Manager owns adapter lifecycle and routes outbound traffic to the
// right adapter. It satisfies the delivery pipeline's Sender and Typing
// contracts, so the pipeline never sees concrete platforms.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      bus.MessageRouter
	cancel   context.CancelFunc
}

// NewManager creates an empty manager. Adapters register before StartAll.
func NewManager(router bus.MessageRouter) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      router,
	}
}

// Register adds an adapter under its own name.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns an adapter by surface name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts every registered adapter plus the outbound pump. The
// pump always starts; messages published straight to the bus (pairing
// replies, gateway send) need it even when no adapter is up yet.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pumpCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.pumpOutbound(pumpCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the pump and every adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	for name, ch := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channel stop failed", "channel", name, "error", err)
		}
	}
	return nil
}

// pumpOutbound drains bus outbound messages into adapters. The delivery
// pipeline calls Send directly; this loop only carries messages that
// bypass it, like pairing replies and the gateway's raw send method.
func (m *Manager) pumpOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}
		if err := m.Send(ctx, msg); err != nil {
			slog.Error("outbound send failed", "channel", msg.Channel, "error", err)
		}
	}
}

// Send routes one outbound message to its adapter.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	m.mu.RLock()
	ch, ok := m.channels[msg.Channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown channel %q", msg.Channel)
	}
	return ch.Send(ctx, msg)
}

// StartTyping shows a typing indicator when the adapter supports one.
func (m *Manager) StartTyping(channel, to string) {
	if tc, ok := m.typingFor(channel); ok {
		tc.StartTyping(to)
	}
}

// StopTyping clears a typing indicator.
func (m *Manager) StopTyping(channel, to string) {
	if tc, ok := m.typingFor(channel); ok {
		tc.StopTyping(to)
	}
}

func (m *Manager) typingFor(channel string) (TypingChannel, bool) {
	m.mu.RLock()
	ch, ok := m.channels[channel]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	tc, ok := ch.(TypingChannel)
	return tc, ok
}

// Status reports each adapter's running state for gateway health.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.IsRunning()
	}
	return out
}
