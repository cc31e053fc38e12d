package delivery

import (
	"context"
	"sync"
	"testing"

	"github.com/clawdbot/clawdbot/internal/agent"
	"github.com/clawdbot/clawdbot/internal/bus"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (f *fakeSender) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Text
	}
	return out
}

type fakeTyping struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (f *fakeTyping) StartTyping(channel, to string) {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
}

func (f *fakeTyping) StopTyping(channel, to string) {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func target() Target {
	return Target{Channel: "telegram", To: "42", CurrentMessageID: "msg-7"}
}

func TestDeliverFinalSendsPayloads(t *testing.T) {
	s := &fakeSender{}
	p := NewPipeline(s, nil, nil)

	err := p.DeliverFinal(context.Background(), "r1", target(), []agent.Payload{
		{Text: "hello"},
		{Text: "world"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := s.texts()
	if len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Fatalf("sent = %v", got)
	}
}

func TestDeliverFinalDropsSilentSentinel(t *testing.T) {
	s := &fakeSender{}
	p := NewPipeline(s, nil, nil)

	err := p.DeliverFinal(context.Background(), "r1", target(), []agent.Payload{
		{Text: SilentSentinel},
		{Text: SilentSentinel, MediaURLs: []string{"http://x/pic.jpg"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.sent) != 1 || len(s.sent[0].MediaURLs) != 1 {
		t.Fatalf("sentinel with media should still send, sentinel alone should not: %+v", s.sent)
	}
}

func TestStreamedBlocksSuppressFinalSet(t *testing.T) {
	s := &fakeSender{}
	p := NewPipeline(s, nil, nil)
	ctx := context.Background()

	if err := p.StreamBlock(ctx, "r1", target(), "part one", nil, ""); err != nil {
		t.Fatal(err)
	}
	err := p.DeliverFinal(ctx, "r1", target(), []agent.Payload{
		{Text: "part one"},
		{Text: "something new"},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Any streamed block suppresses the whole final set.
	if got := s.texts(); len(got) != 1 || got[0] != "part one" {
		t.Fatalf("sent = %v", got)
	}
}

func TestReplyToCurrentResolvesMessageID(t *testing.T) {
	s := &fakeSender{}
	p := NewPipeline(s, nil, nil)

	err := p.DeliverFinal(context.Background(), "r1", target(), []agent.Payload{
		{Text: "answer", ReplyToCurrent: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.sent) != 1 || s.sent[0].ReplyToID != "msg-7" {
		t.Fatalf("sent = %+v", s.sent)
	}
}

func TestExplicitReplyIDWins(t *testing.T) {
	s := &fakeSender{}
	p := NewPipeline(s, nil, nil)

	err := p.DeliverFinal(context.Background(), "r1", target(), []agent.Payload{
		{Text: "answer", ReplyToID: "explicit", ReplyToCurrent: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.sent[0].ReplyToID != "explicit" {
		t.Fatalf("replyToID = %q", s.sent[0].ReplyToID)
	}
}

func TestTypingLifecycle(t *testing.T) {
	s := &fakeSender{}
	ty := &fakeTyping{}
	p := NewPipeline(s, ty, nil)
	ctx := context.Background()

	tgt := target()
	if err := p.StreamBlock(ctx, "r1", tgt, "first", nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := p.StreamBlock(ctx, "r1", tgt, "second", nil, ""); err != nil {
		t.Fatal(err)
	}
	if ty.started != 1 {
		t.Fatalf("typing started %d times, want 1", ty.started)
	}
	p.MarkRunComplete("r1")
	if ty.stopped != 1 {
		t.Fatalf("typing stopped %d times, want 1", ty.stopped)
	}
}

func TestHeartbeatNeverTypes(t *testing.T) {
	s := &fakeSender{}
	ty := &fakeTyping{}
	p := NewPipeline(s, ty, nil)

	tgt := target()
	tgt.Heartbeat = true
	err := p.DeliverFinal(context.Background(), "r1", tgt, []agent.Payload{{Text: "oven is on"}})
	if err != nil {
		t.Fatal(err)
	}
	if ty.started != 0 {
		t.Fatal("heartbeat turns must not arm typing")
	}
	p.MarkRunComplete("r1")
}

func TestLongTextChunkedOnSend(t *testing.T) {
	s := &fakeSender{}
	p := NewPipeline(s, nil, nil)

	long := ""
	for i := 0; i < 300; i++ {
		long += "a paragraph of filler text here\n\n"
	}
	tgt := Target{Channel: "discord", To: "channel:1"}
	err := p.DeliverFinal(context.Background(), "r1", tgt, []agent.Payload{{Text: long}})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.sent) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(s.sent))
	}
	for i, m := range s.sent {
		if len(m.Text) > 2000 {
			t.Errorf("chunk %d exceeds discord limit: %d chars", i, len(m.Text))
		}
	}
}
