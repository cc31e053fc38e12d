package hooks

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

func strptr(s string) *string { return &s }

func TestRunModifyingFoldsInOrder(t *testing.T) {
	r := NewRunner(false)
	r.RegisterModifying("a", BeforeLLMCall, func(ctx context.Context, ev *Event) (*Delta, error) {
		return &Delta{SystemPrompt: strptr("first"), Content: strptr("keep")}, nil
	})
	r.RegisterModifying("b", BeforeLLMCall, func(ctx context.Context, ev *Event) (*Delta, error) {
		return &Delta{SystemPrompt: strptr("second")}, nil
	})

	out, err := r.RunModifying(context.Background(), BeforeLLMCall, &Event{RunID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.SystemPrompt == nil || *out.SystemPrompt != "second" {
		t.Fatalf("systemPrompt = %v, want second", out.SystemPrompt)
	}
	if out.Content == nil || *out.Content != "keep" {
		t.Fatalf("unset field should not clear earlier result, got %v", out.Content)
	}
}

func TestRunModifyingBlockShortCircuits(t *testing.T) {
	r := NewRunner(false)
	var ranAfter bool
	r.RegisterModifying("guard", BeforeLLMCall, func(ctx context.Context, ev *Event) (*Delta, error) {
		return &Delta{Block: true, BlockReason: "policy"}, nil
	})
	r.RegisterModifying("later", BeforeLLMCall, func(ctx context.Context, ev *Event) (*Delta, error) {
		ranAfter = true
		return nil, nil
	})

	out, err := r.RunModifying(context.Background(), BeforeLLMCall, &Event{RunID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Block || out.BlockReason != "policy" {
		t.Fatalf("want block with reason policy, got %+v", out)
	}
	if ranAfter {
		t.Fatal("handlers after a block should not run")
	}
	msg := BlockError(out.BlockReason).Error()
	if msg != "LLM call blocked by plugin: policy" {
		t.Fatalf("block error = %q", msg)
	}
}

func TestRunModifyingErrorModes(t *testing.T) {
	boom := errors.New("boom")
	handler := func(ctx context.Context, ev *Event) (*Delta, error) { return nil, boom }
	after := func(ctx context.Context, ev *Event) (*Delta, error) {
		return &Delta{Content: strptr("survived")}, nil
	}

	strict := NewRunner(false)
	strict.RegisterModifying("p", AfterLLMCall, handler)
	if _, err := strict.RunModifying(context.Background(), AfterLLMCall, &Event{}); !errors.Is(err, boom) {
		t.Fatalf("strict runner should propagate, got %v", err)
	}

	lenient := NewRunner(true)
	lenient.RegisterModifying("p", AfterLLMCall, handler)
	lenient.RegisterModifying("q", AfterLLMCall, after)
	out, err := lenient.RunModifying(context.Background(), AfterLLMCall, &Event{})
	if err != nil {
		t.Fatalf("catchErrors runner should continue, got %v", err)
	}
	if out.Content == nil || *out.Content != "survived" {
		t.Fatal("later handler should still run when an earlier one fails")
	}
}

func TestRunVoidParallelAndPanicSafe(t *testing.T) {
	r := NewRunner(true)
	var calls int32
	for i := 0; i < 3; i++ {
		r.RegisterVoid("p", LoopIterationStart, func(ctx context.Context, ev *Event) {
			atomic.AddInt32(&calls, 1)
		})
	}
	r.RegisterVoid("panicky", LoopIterationStart, func(ctx context.Context, ev *Event) {
		panic("nope")
	})

	r.RunVoid(context.Background(), LoopIterationStart, &Event{})
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestFireContextAssembledOncePerRun(t *testing.T) {
	r := NewRunner(false)
	var calls int32
	r.RegisterVoid("p", ContextAssembled, func(ctx context.Context, ev *Event) {
		atomic.AddInt32(&calls, 1)
	})

	ev := &Event{RunID: "run-1"}
	r.FireContextAssembled(context.Background(), ev)
	r.FireContextAssembled(context.Background(), ev)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("context_assembled fired %d times, want 1", got)
	}

	r.ForgetRun("run-1")
	r.FireContextAssembled(context.Background(), ev)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("after ForgetRun, fired %d times total, want 2", got)
	}
}

func TestUnregisterPlugin(t *testing.T) {
	r := NewRunner(false)
	r.RegisterModifying("gone", BeforeResponseEmit, func(ctx context.Context, ev *Event) (*Delta, error) {
		return &Delta{Content: strptr("bad")}, nil
	})
	r.RegisterModifying("kept", BeforeResponseEmit, func(ctx context.Context, ev *Event) (*Delta, error) {
		return &Delta{Content: strptr("good")}, nil
	})
	r.RegisterVoid("gone", SessionEnd, func(ctx context.Context, ev *Event) {
		t.Error("unregistered void handler ran")
	})

	r.UnregisterPlugin("gone")
	out, err := r.RunModifying(context.Background(), BeforeResponseEmit, &Event{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Content == nil || *out.Content != "good" {
		t.Fatalf("content = %v", out.Content)
	}
	r.RunVoid(context.Background(), SessionEnd, &Event{})
}

func TestBlockErrorMessageShape(t *testing.T) {
	err := BlockError("rate limited")
	if !strings.HasPrefix(err.Error(), "LLM call blocked by plugin: ") {
		t.Fatalf("unexpected shape: %q", err)
	}
}
