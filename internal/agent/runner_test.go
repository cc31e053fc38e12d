package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clawdbot/clawdbot/internal/hooks"
	"github.com/clawdbot/clawdbot/internal/sessions"
	"github.com/clawdbot/clawdbot/internal/store"
)

func testClock() func() time.Time {
	base := time.UnixMilli(1_000_000)
	return func() time.Time { return base }
}

func newTestAuth(t *testing.T, profiles ...store.AuthProfile) *store.AuthStore {
	t.Helper()
	auth, err := store.NewAuthStore(filepath.Join(t.TempDir(), "auth.json"))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range profiles {
		if err := auth.Upsert(p); err != nil {
			t.Fatal(err)
		}
	}
	return auth
}

func newTestRunner(t *testing.T, stream StreamFn, auth *store.AuthStore) (*Runner, *sessions.Store) {
	t.Helper()
	sess, err := sessions.NewStore(filepath.Join(t.TempDir(), "sessions", "main.json"))
	if err != nil {
		t.Fatal(err)
	}
	r := NewRunner(Options{
		Auth:         auth,
		Sessions:     sess,
		Stream:       stream,
		WorkspaceDir: t.TempDir(),
		DefaultModel: "sonnet",
		Now:          testClock(),
	})
	return r, sess
}

func TestRunAssemblesPartials(t *testing.T) {
	stream := func(ctx context.Context, call *RuntimeCall, emit func(StreamEvent)) error {
		emit(StreamEvent{Type: EventPartial, Text: "hello "})
		emit(StreamEvent{Type: EventPartial, Text: "world"})
		emit(StreamEvent{Type: EventUsage, Usage: &TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}})
		return nil
	}
	r, sess := newTestRunner(t, stream, nil)

	res, err := r.Run(context.Background(), RunInput{SessionKey: "agent:main:main", RunID: "r1", Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Payloads) != 1 || res.Payloads[0].Text != "hello world" {
		t.Fatalf("payloads = %+v", res.Payloads)
	}

	entry, ok := sess.Entry("agent:main:main")
	if !ok {
		t.Fatal("session entry missing")
	}
	if entry.InputTokens != 10 || entry.OutputTokens != 5 {
		t.Fatalf("usage not persisted: %+v", entry)
	}
}

func TestRunUnknownModel(t *testing.T) {
	r, sess := newTestRunner(t, nil, nil)
	if err := sess.Patch("agent:main:main", func(e *sessions.Entry) error {
		e.Model = "no-such-model"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	_, err := r.Run(context.Background(), RunInput{SessionKey: "agent:main:main", RunID: "r1"})
	if err == nil || !strings.Contains(err.Error(), "unknown-model") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunRotatesOnAuthFailure(t *testing.T) {
	auth := newTestAuth(t,
		store.AuthProfile{ID: "p1", Provider: "anthropic", Mode: "apiKey", Credentials: map[string]string{"apiKey": "key-1"}, LastGood: 100},
		store.AuthProfile{ID: "p2", Provider: "anthropic", Mode: "apiKey", Credentials: map[string]string{"apiKey": "key-2"}, LastGood: 200},
	)
	var keys []string
	stream := func(ctx context.Context, call *RuntimeCall, emit func(StreamEvent)) error {
		keys = append(keys, call.APIKey)
		if call.APIKey == "key-1" {
			return &RuntimeError{Class: ClassAuth, Msg: "401 unauthorized"}
		}
		emit(StreamEvent{Type: EventPartial, Text: "ok"})
		return nil
	}
	r, _ := newTestRunner(t, stream, auth)

	res, err := r.Run(context.Background(), RunInput{SessionKey: "agent:main:main", RunID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Payloads[0].Text != "ok" {
		t.Fatalf("payloads = %+v", res.Payloads)
	}
	if len(keys) != 2 || keys[0] != "key-1" || keys[1] != "key-2" {
		t.Fatalf("rotation order = %v", keys)
	}

	p1, _ := auth.Profile("p1")
	if p1.CooldownUntil == 0 {
		t.Fatal("failed profile should be on cooldown")
	}
	p2, _ := auth.Profile("p2")
	if p2.CooldownUntil != 0 || p2.UsageCount != 1 {
		t.Fatalf("successful profile bookkeeping: %+v", p2)
	}
}

func TestRunExhaustsProfiles(t *testing.T) {
	auth := newTestAuth(t,
		store.AuthProfile{ID: "p1", Provider: "anthropic", Mode: "apiKey", Credentials: map[string]string{"apiKey": "k"}},
	)
	stream := func(ctx context.Context, call *RuntimeCall, emit func(StreamEvent)) error {
		return &RuntimeError{Class: ClassRateLimit, Msg: "rate limit"}
	}
	r, _ := newTestRunner(t, stream, auth)

	_, err := r.Run(context.Background(), RunInput{SessionKey: "agent:main:main", RunID: "r1"})
	if !errors.Is(err, ErrProfilesExhausted) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunThinkingFallback(t *testing.T) {
	var levels []string
	stream := func(ctx context.Context, call *RuntimeCall, emit func(StreamEvent)) error {
		levels = append(levels, call.ThinkingLevel)
		if call.ThinkingLevel == "high" {
			return &RuntimeError{Class: ClassThinking, Msg: "thinking level not supported"}
		}
		emit(StreamEvent{Type: EventPartial, Text: "done"})
		return nil
	}
	r, sess := newTestRunner(t, stream, nil)
	if err := sess.Patch("agent:main:main", func(e *sessions.Entry) error {
		e.ThinkingLevel = sessions.ThinkingHigh
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Run(context.Background(), RunInput{SessionKey: "agent:main:main", RunID: "r1"}); err != nil {
		t.Fatal(err)
	}
	if len(levels) != 2 || levels[0] != "high" || levels[1] != "medium" {
		t.Fatalf("levels = %v", levels)
	}
}

func TestRunBlockedByHook(t *testing.T) {
	stream := func(ctx context.Context, call *RuntimeCall, emit func(StreamEvent)) error {
		t.Error("runtime should not be called when a hook blocks")
		return nil
	}
	r, _ := newTestRunner(t, stream, nil)
	r.hooks.RegisterModifying("guard", hooks.BeforeLLMCall, func(ctx context.Context, ev *hooks.Event) (*hooks.Delta, error) {
		return &hooks.Delta{Block: true, BlockReason: "policy"}, nil
	})

	res, err := r.Run(context.Background(), RunInput{SessionKey: "agent:main:main", RunID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Payloads) != 1 || res.Payloads[0].Text != "LLM call blocked by plugin: policy" {
		t.Fatalf("payloads = %+v", res.Payloads)
	}
}

func TestRunStreamedBlockNotResent(t *testing.T) {
	var blocks int32
	stream := func(ctx context.Context, call *RuntimeCall, emit func(StreamEvent)) error {
		emit(StreamEvent{Type: EventBlock, Text: "first part"})
		emit(StreamEvent{Type: EventPartial, Text: "first part"})
		return nil
	}
	r, _ := newTestRunner(t, stream, nil)

	res, err := r.Run(context.Background(), RunInput{
		SessionKey: "agent:main:main",
		RunID:      "r1",
		Callbacks: Callbacks{
			OnBlockReply: func(text string, media []string) { atomic.AddInt32(&blocks, 1) },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&blocks) != 1 {
		t.Fatalf("block callback fired %d times", blocks)
	}
	if len(res.Payloads) != 0 {
		t.Fatalf("block-streamed text must not appear in final payloads: %+v", res.Payloads)
	}
}

func TestRunCompactionCount(t *testing.T) {
	stream := func(ctx context.Context, call *RuntimeCall, emit func(StreamEvent)) error {
		emit(StreamEvent{Type: EventCompaction, CompactionPhase: "end", WillRetry: false})
		emit(StreamEvent{Type: EventCompaction, CompactionPhase: "end", WillRetry: true})
		emit(StreamEvent{Type: EventPartial, Text: "answer"})
		return nil
	}
	r, sess := newTestRunner(t, stream, nil)
	if err := sess.Patch("agent:main:main", func(e *sessions.Entry) error {
		e.VerboseLevel = sessions.VerboseOn
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(context.Background(), RunInput{SessionKey: "agent:main:main", RunID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := sess.Entry("agent:main:main")
	if entry.CompactionCount != 1 {
		t.Fatalf("compactionCount = %d, want 1 (willRetry=true must not count)", entry.CompactionCount)
	}
	if len(res.Payloads) != 2 || !strings.HasPrefix(res.Payloads[0].Text, "Auto-compaction complete") {
		t.Fatalf("verbose run should prepend the compaction note: %+v", res.Payloads)
	}
}

func TestQueueMessageSteersActiveRun(t *testing.T) {
	got := make(chan string, 1)
	started := make(chan struct{})
	stream := func(ctx context.Context, call *RuntimeCall, emit func(StreamEvent)) error {
		close(started)
		select {
		case msg := <-call.Steer:
			got <- msg
		case <-time.After(2 * time.Second):
			t.Error("steer message never arrived")
		}
		emit(StreamEvent{Type: EventPartial, Text: "steered"})
		return nil
	}
	r, _ := newTestRunner(t, stream, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.Run(context.Background(), RunInput{SessionKey: "agent:main:main", RunID: "r1"}); err != nil {
			t.Error(err)
		}
	}()

	<-started
	if !r.QueueMessage("agent:main:main", "r1", "also check the door") {
		t.Fatal("QueueMessage should reach the active run")
	}
	if msg := <-got; msg != "also check the door" {
		t.Fatalf("steered message = %q", msg)
	}
	<-done

	if r.QueueMessage("agent:main:main", "r1", "too late") {
		t.Fatal("QueueMessage should fail once the run is over")
	}
}

func TestRunTimeout(t *testing.T) {
	stream := func(ctx context.Context, call *RuntimeCall, emit func(StreamEvent)) error {
		<-ctx.Done()
		return ctx.Err()
	}
	r, _ := newTestRunner(t, stream, nil)

	_, err := r.Run(context.Background(), RunInput{SessionKey: "agent:main:main", RunID: "r1", TimeoutMs: 20})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}
