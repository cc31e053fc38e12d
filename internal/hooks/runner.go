// Package hooks fans plugin callbacks out over the agent loop. Modifying
// phases fold partial results in registration order; void phases run in
// parallel and never affect the turn.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Phases with modifying dispatch.
const (
	BeforeLLMCall      = "before_llm_call"
	AfterLLMCall       = "after_llm_call"
	BeforeResponseEmit = "before_response_emit"
)

// Phases with fire-and-forget parallel dispatch.
const (
	ContextAssembled   = "context_assembled"
	LoopIterationStart = "loop_iteration_start"
	LoopIterationEnd   = "loop_iteration_end"
	SessionStart       = "session_start"
	SessionEnd         = "session_end"
	GatewayStart       = "gateway_start"
	GatewayStop        = "gateway_stop"
	BeforeToolCall     = "before_tool_call"
	AfterToolCall      = "after_tool_call"
)

// Event carries the hook payload. Fields are phase-dependent; handlers
// read what they need.
type Event struct {
	SessionKey string
	RunID      string
	AgentID    string
	Payload    map[string]interface{}
}

// Delta is one handler's partial result. Nil pointer fields mean "no
// change"; later handlers' set fields overwrite earlier ones.
type Delta struct {
	Messages     interface{}
	SystemPrompt *string
	Tools        interface{}
	Content      *string
	Block        bool
	BlockReason  string
}

// merge folds next into d: set fields overwrite.
func (d *Delta) merge(next *Delta) {
	if next == nil {
		return
	}
	if next.Messages != nil {
		d.Messages = next.Messages
	}
	if next.SystemPrompt != nil {
		d.SystemPrompt = next.SystemPrompt
	}
	if next.Tools != nil {
		d.Tools = next.Tools
	}
	if next.Content != nil {
		d.Content = next.Content
	}
	if next.Block {
		d.Block = true
		d.BlockReason = next.BlockReason
	}
}

// ModifyingHandler may reshape the LLM call or the outgoing reply.
type ModifyingHandler func(ctx context.Context, ev *Event) (*Delta, error)

// VoidHandler observes a phase without affecting the turn.
type VoidHandler func(ctx context.Context, ev *Event)

// BlockError is the error surfaced when a hook blocks the LLM call.
func BlockError(reason string) error {
	return fmt.Errorf("LLM call blocked by plugin: %s", reason)
}

type namedModifying struct {
	plugin string
	fn     ModifyingHandler
}

type namedVoid struct {
	plugin string
	fn     VoidHandler
}

// Runner dispatches hooks for registered plugins.
type Runner struct {
	mu        sync.RWMutex
	modifying map[string][]namedModifying
	void      map[string][]namedVoid

	// catchErrors keeps the chain alive when one handler fails.
	catchErrors bool

	assembledMu sync.Mutex
	assembled   map[string]bool // runIDs whose context_assembled already fired
}

func NewRunner(catchErrors bool) *Runner {
	return &Runner{
		modifying:   make(map[string][]namedModifying),
		void:        make(map[string][]namedVoid),
		catchErrors: catchErrors,
		assembled:   make(map[string]bool),
	}
}

// RegisterModifying adds a handler for a sequential modifying phase.
func (r *Runner) RegisterModifying(plugin, phase string, fn ModifyingHandler) {
	r.mu.Lock()
	r.modifying[phase] = append(r.modifying[phase], namedModifying{plugin: plugin, fn: fn})
	r.mu.Unlock()
}

// RegisterVoid adds a handler for a parallel void phase.
func (r *Runner) RegisterVoid(plugin, phase string, fn VoidHandler) {
	r.mu.Lock()
	r.void[phase] = append(r.void[phase], namedVoid{plugin: plugin, fn: fn})
	r.mu.Unlock()
}

// UnregisterPlugin removes every handler a plugin registered.
func (r *Runner) UnregisterPlugin(plugin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for phase, handlers := range r.modifying {
		kept := handlers[:0]
		for _, h := range handlers {
			if h.plugin != plugin {
				kept = append(kept, h)
			}
		}
		r.modifying[phase] = kept
	}
	for phase, handlers := range r.void {
		kept := handlers[:0]
		for _, h := range handlers {
			if h.plugin != plugin {
				kept = append(kept, h)
			}
		}
		r.void[phase] = kept
	}
}

// RunModifying folds handler results in registration order. A handler
// returning Block stops the fold; the call-site surfaces BlockError.
func (r *Runner) RunModifying(ctx context.Context, phase string, ev *Event) (Delta, error) {
	r.mu.RLock()
	handlers := make([]namedModifying, len(r.modifying[phase]))
	copy(handlers, r.modifying[phase])
	r.mu.RUnlock()

	var out Delta
	for _, h := range handlers {
		delta, err := h.fn(ctx, ev)
		if err != nil {
			if r.catchErrors {
				slog.Warn("hook handler failed", "plugin", h.plugin, "phase", phase, "error", err)
				continue
			}
			return out, fmt.Errorf("hook %s/%s: %w", h.plugin, phase, err)
		}
		out.merge(delta)
		if out.Block {
			return out, nil
		}
	}
	return out, nil
}

// RunVoid dispatches a void phase to all handlers in parallel and waits.
// Panics and errors are contained per handler.
func (r *Runner) RunVoid(ctx context.Context, phase string, ev *Event) {
	r.mu.RLock()
	handlers := make([]namedVoid, len(r.void[phase]))
	copy(handlers, r.void[phase])
	r.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					slog.Warn("hook handler panicked", "plugin", h.plugin, "phase", phase, "panic", rec)
				}
			}()
			h.fn(ctx, ev)
		}()
	}
	wg.Wait()
}

// FireContextAssembled dispatches context_assembled for a run exactly once:
// the first LLM call of a turn fires it, retries and later iterations do not.
func (r *Runner) FireContextAssembled(ctx context.Context, ev *Event) {
	r.assembledMu.Lock()
	if r.assembled[ev.RunID] {
		r.assembledMu.Unlock()
		return
	}
	r.assembled[ev.RunID] = true
	r.assembledMu.Unlock()
	r.RunVoid(ctx, ContextAssembled, ev)
}

// ForgetRun releases the context_assembled marker after a turn ends.
func (r *Runner) ForgetRun(runID string) {
	r.assembledMu.Lock()
	delete(r.assembled, runID)
	r.assembledMu.Unlock()
}
