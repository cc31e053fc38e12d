package delivery

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/clawdbot/clawdbot/internal/agent"
	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/sessions"
)

// SilentSentinel suppresses a reply entirely when it is the whole text.
const SilentSentinel = "__SILENT_REPLY__"

// Sender delivers one outbound message on a channel.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Typing drives channel typing indicators. Implementations are per
// channel; a nil Typing disables indicators.
type Typing interface {
	StartTyping(channel, to string)
	StopTyping(channel, to string)
}

// Target names where a run's output goes.
type Target struct {
	Channel    string
	To         string
	ThreadID   string
	SessionKey string
	// CurrentMessageID resolves reply_to_current directives.
	CurrentMessageID string
	Heartbeat        bool
}

// runState tracks per-run dedup and typing.
type runState struct {
	streamed map[string]bool
	anyBlock bool
	typingOn bool
	target   Target
}

// Pipeline owns the final leg: chunking, dedup, typing, and handoff to
// the channel sender.
type Pipeline struct {
	sender   Sender
	typing   Typing
	sessions *sessions.Store

	mu   sync.Mutex
	runs map[string]*runState
}

func NewPipeline(sender Sender, typing Typing, sess *sessions.Store) *Pipeline {
	return &Pipeline{
		sender:   sender,
		typing:   typing,
		sessions: sess,
		runs:     make(map[string]*runState),
	}
}

func (p *Pipeline) run(runID string, target Target) *runState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.runs[runID]
	if !ok {
		st = &runState{streamed: make(map[string]bool), target: target}
		p.runs[runID] = st
	}
	return st
}

// StreamBlock delivers a block reply mid-run and fingerprints it so the
// final payload set does not repeat it.
func (p *Pipeline) StreamBlock(ctx context.Context, runID string, target Target, text string, mediaURLs []string, replyToID string) error {
	st := p.run(runID, target)

	p.mu.Lock()
	st.streamed[fingerprint(text, mediaURLs, replyToID)] = true
	st.anyBlock = true
	p.mu.Unlock()

	p.startTypingOnText(st, target, text)
	return p.send(ctx, target, text, mediaURLs, replyToID)
}

// DeliverFinal sends a turn's final payload set. Payloads already
// streamed as blocks are suppressed; if any block was streamed the
// whole final set is dropped.
func (p *Pipeline) DeliverFinal(ctx context.Context, runID string, target Target, payloads []agent.Payload) error {
	st := p.run(runID, target)

	p.mu.Lock()
	drop := st.anyBlock
	p.mu.Unlock()

	var firstErr error
	for _, pl := range payloads {
		if pl.Text == SilentSentinel && len(pl.MediaURLs) == 0 {
			continue
		}
		replyTo := pl.ReplyToID
		if replyTo == "" && pl.ReplyToCurrent {
			replyTo = target.CurrentMessageID
		}
		if drop {
			slog.Debug("dropping final payload, blocks already streamed", "run", runID)
			continue
		}
		p.mu.Lock()
		dup := st.streamed[fingerprint(pl.Text, pl.MediaURLs, replyTo)]
		p.mu.Unlock()
		if dup {
			continue
		}
		if pl.Text == "" && len(pl.MediaURLs) == 0 {
			continue
		}
		p.startTypingOnText(st, target, pl.Text)
		if err := p.send(ctx, target, pl.Text, pl.MediaURLs, replyTo); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkRunComplete clears typing and run-scoped dedup state.
func (p *Pipeline) MarkRunComplete(runID string) {
	p.mu.Lock()
	st, ok := p.runs[runID]
	if ok {
		delete(p.runs, runID)
	}
	p.mu.Unlock()
	if ok && st.typingOn && p.typing != nil {
		p.typing.StopTyping(st.target.Channel, st.target.To)
	}
	if ok && p.sessions != nil && st.target.SessionKey != "" {
		if err := p.sessions.RecordDelivery(st.target.SessionKey, st.target.Channel, st.target.To, st.target.ThreadID); err != nil {
			slog.Warn("failed to record delivery context", "session", st.target.SessionKey, "error", err)
		}
	}
}

// startTypingOnText arms the typing indicator on the first visible
// output of a non-heartbeat run.
func (p *Pipeline) startTypingOnText(st *runState, target Target, text string) {
	if p.typing == nil || target.Heartbeat || strings.TrimSpace(text) == "" {
		return
	}
	p.mu.Lock()
	armed := st.typingOn
	st.typingOn = true
	p.mu.Unlock()
	if !armed {
		p.typing.StartTyping(target.Channel, target.To)
	}
}

// send chunks and hands off to the channel sender. Media rides on the
// first chunk only.
func (p *Pipeline) send(ctx context.Context, target Target, text string, mediaURLs []string, replyToID string) error {
	limit := LimitFor(target.Channel)
	chunks := Chunk(text, ChunkOptions{MaxChars: limit})
	if len(chunks) == 0 && len(mediaURLs) > 0 {
		chunks = []string{""}
	}
	for i, c := range chunks {
		msg := bus.OutboundMessage{
			Channel:   target.Channel,
			To:        target.To,
			Text:      c,
			ThreadID:  target.ThreadID,
			ReplyToID: replyToID,
		}
		if i == 0 {
			msg.MediaURLs = mediaURLs
		}
		if err := p.sender.Send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// fingerprint keys a payload for stream/final dedup.
func fingerprint(text string, media []string, replyToID string) string {
	var b strings.Builder
	b.WriteString(text)
	b.WriteByte('\x00')
	for _, m := range media {
		b.WriteString(m)
		b.WriteByte('\x1f')
	}
	b.WriteByte('\x00')
	b.WriteString(replyToID)
	return b.String()
}
