package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clawdbot/clawdbot/internal/bus"
)

type fakeChannel struct {
	*BaseChannel
	mu     sync.Mutex
	sent   []bus.OutboundMessage
	typing []string
}

func newFakeChannel(name string, router bus.MessageRouter) *fakeChannel {
	return &fakeChannel{BaseChannel: NewBaseChannel(name, router)}
}

func (f *fakeChannel) Start(_ context.Context) error { f.SetRunning(true); return nil }
func (f *fakeChannel) Stop(_ context.Context) error  { f.SetRunning(false); return nil }

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) StartTyping(to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, "start:"+to)
}

func (f *fakeChannel) StopTyping(to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, "stop:"+to)
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestManagerRoutesSend(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	tg := newFakeChannel("telegram", b)
	m.Register(tg)

	err := m.Send(context.Background(), bus.OutboundMessage{Channel: "telegram", To: "1", Text: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if tg.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", tg.sentCount())
	}

	if err := m.Send(context.Background(), bus.OutboundMessage{Channel: "slack"}); err == nil {
		t.Error("unknown channel should error")
	}
}

func TestManagerTypingDelegation(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	tg := newFakeChannel("telegram", b)
	m.Register(tg)

	m.StartTyping("telegram", "42")
	m.StopTyping("telegram", "42")
	// Unknown channels and non-typing channels are silently ignored.
	m.StartTyping("slack", "42")

	tg.mu.Lock()
	defer tg.mu.Unlock()
	if len(tg.typing) != 2 || tg.typing[0] != "start:42" || tg.typing[1] != "stop:42" {
		t.Errorf("typing calls = %v", tg.typing)
	}
}

func TestManagerPumpDeliversBusOutbound(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	tg := newFakeChannel("telegram", b)
	m.Register(tg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopAll(context.Background())

	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", To: "1", Text: "paired"})
	// Internal surfaces never reach adapters.
	b.PublishOutbound(bus.OutboundMessage{Channel: "cli", To: "1", Text: "skipped"})

	deadline := time.After(2 * time.Second)
	for tg.sentCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("pump never delivered the outbound message")
		case <-time.After(10 * time.Millisecond):
		}
	}

	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.sent[0].Text != "paired" {
		t.Errorf("delivered %q", tg.sent[0].Text)
	}
}

func TestManagerStatus(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	tg := newFakeChannel("telegram", b)
	m.Register(tg)

	if st := m.Status(); st["telegram"] {
		t.Error("channel should not report running before start")
	}
	tg.SetRunning(true)
	if st := m.Status(); !st["telegram"] {
		t.Error("channel should report running")
	}
}
