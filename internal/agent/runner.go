// Package agent runs one assistant turn: model resolution, credential
// rotation, the hook chain around the runtime stream, retry classes,
// and payload finalization.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawdbot/clawdbot/internal/hooks"
	"github.com/clawdbot/clawdbot/internal/sessions"
	"github.com/clawdbot/clawdbot/internal/store"
)

// RuntimeCall is the fully-resolved input for one runtime invocation.
type RuntimeCall struct {
	SessionID     string
	SessionKey    string
	SessionFile   string
	WorkspaceDir  string
	RunID         string
	Provider      string
	Model         string
	APIKey        string
	SystemPrompt  string
	Prompt        string
	ThinkingLevel string
	Verbose       bool
	Elevated      bool
	// BlockReplyBreak overrides the stream's block boundary for this turn.
	BlockReplyBreak string

	// Steer delivers user messages injected mid-run. The runtime drains
	// it between loop iterations and appends them as user messages.
	Steer <-chan string
}

// StreamFn drives one runtime call, pushing events to emit as they
// happen. It returns when the turn's stream ends.
type StreamFn func(ctx context.Context, call *RuntimeCall, emit func(StreamEvent)) error

// RunInput describes one queued turn.
type RunInput struct {
	SessionKey string
	AgentID    string
	RunID      string
	Prompt     string
	ProfileID  string
	TimeoutMs  int64
	Heartbeat  bool
	Callbacks  Callbacks
}

// RunResult is the finalized outcome of a turn.
type RunResult struct {
	Payloads []Payload
	Usage    TokenUsage
}

// Options wires a Runner.
type Options struct {
	Registry     *ModelRegistry
	Auth         *store.AuthStore
	Sessions     *sessions.Store
	Hooks        *hooks.Runner
	Stream       StreamFn
	WorkspaceDir string
	SkillsDir    string
	ToolNames    []string
	Timezone     string
	DefaultModel string // registry key or alias used when the session has none
	Now          func() time.Time
}

// Runner executes turns. It also implements the dispatcher's steering
// contract: text can be injected into a session's active run.
type Runner struct {
	registry     *ModelRegistry
	auth         *store.AuthStore
	sessions     *sessions.Store
	hooks        *hooks.Runner
	stream       StreamFn
	workspaceDir string
	skillsDir    string
	toolNames    []string
	timezone     string
	defaultModel string
	now          func() time.Time

	mu     sync.Mutex
	active map[string]*activeTurn // sessionKey → running turn
}

type activeTurn struct {
	runID string
	steer chan string
}

func NewRunner(opts Options) *Runner {
	r := &Runner{
		registry:     opts.Registry,
		auth:         opts.Auth,
		sessions:     opts.Sessions,
		hooks:        opts.Hooks,
		stream:       opts.Stream,
		workspaceDir: opts.WorkspaceDir,
		skillsDir:    opts.SkillsDir,
		toolNames:    opts.ToolNames,
		timezone:     opts.Timezone,
		defaultModel: opts.DefaultModel,
		now:          opts.Now,
		active:       make(map[string]*activeTurn),
	}
	if r.registry == nil {
		r.registry = NewModelRegistry()
	}
	if r.hooks == nil {
		r.hooks = hooks.NewRunner(true)
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// QueueMessage injects text into the session's active run. Returns
// false when no run with that id is active, in which case the caller
// queues the text as a followup instead.
func (r *Runner) QueueMessage(sessionKey, runID, text string) bool {
	r.mu.Lock()
	turn, ok := r.active[sessionKey]
	r.mu.Unlock()
	if !ok || turn.runID != runID {
		return false
	}
	select {
	case turn.steer <- text:
		return true
	default:
		return false
	}
}

// Run executes one turn end to end. The returned payloads are ready for
// the delivery pipeline; a nil error with zero payloads means the turn
// produced nothing deliverable (heartbeat, pure directive tags).
func (r *Runner) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	entry, err := r.sessions.GetOrCreate(in.SessionKey)
	if err != nil {
		return nil, err
	}

	spec, err := r.registry.Resolve(entry.ModelProvider, r.modelFor(entry))
	if err != nil {
		return nil, err
	}

	if in.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(in.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	steer := make(chan string, 8)
	r.mu.Lock()
	r.active[in.SessionKey] = &activeTurn{runID: in.RunID, steer: steer}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if t, ok := r.active[in.SessionKey]; ok && t.runID == in.RunID {
			delete(r.active, in.SessionKey)
		}
		r.mu.Unlock()
		r.hooks.ForgetRun(in.RunID)
	}()

	return r.runWithRecovery(ctx, in, entry, spec, steer)
}

// runWithRecovery drives the attempt loop: profile rotation, thinking
// fallback, and model fallback, one corrective attempt per class.
func (r *Runner) runWithRecovery(ctx context.Context, in RunInput, entry sessions.Entry, spec ModelSpec, steer <-chan string) (*RunResult, error) {
	thinking := orDefault(entry.ThinkingLevel, sessions.ThinkingOff)
	attemptedThinking := map[string]bool{thinking: true}
	rot := newRotator(r.auth, spec.Provider, in.ProfileID, r.now)
	fallbacks := r.registry.Fallbacks(spec.Key())
	fallbackIdx := 0

	for {
		res, err := r.attempt(ctx, in, entry, spec, thinking, rot, steer)
		if err == nil {
			rot.markSuccess()
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch classifyError(err) {
		case ClassAuth, ClassRateLimit:
			if rot.advance() {
				slog.Info("rotating auth profile", "provider", spec.Provider, "session", in.SessionKey)
				continue
			}
		case ClassTimeout:
			// On multi-profile accounts a hung call usually means a
			// rate limit the provider never surfaced.
			if len(rot.order) > 1 && rot.advance() {
				slog.Info("timeout treated as rate limit, rotating", "provider", spec.Provider)
				continue
			}
			return nil, err
		case ClassThinking:
			if lower := nextLowerThinking(thinking); lower != "" && !attemptedThinking[lower] {
				attemptedThinking[lower] = true
				thinking = lower
				slog.Info("thinking level unsupported, retrying lower", "level", lower)
				continue
			}
			return nil, err
		default:
			return nil, fmt.Errorf("%s", friendlyError(err.Error()))
		}

		// Profiles exhausted: walk the configured model fallback chain.
		if fallbackIdx < len(fallbacks) {
			next, rerr := r.registry.Resolve("", fallbacks[fallbackIdx])
			fallbackIdx++
			if rerr != nil {
				continue
			}
			slog.Warn("falling back to model", "model", next.Key(), "session", in.SessionKey)
			spec = next
			rot = newRotator(r.auth, spec.Provider, "", r.now)
			continue
		}
		return nil, fmt.Errorf("%w for %s: %s", ErrProfilesExhausted, spec.Provider, friendlyError(err.Error()))
	}
}

// attempt makes a single runtime call wrapped by the hook chain.
func (r *Runner) attempt(ctx context.Context, in RunInput, entry sessions.Entry, spec ModelSpec, thinking string, rot *rotator, steer <-chan string) (*RunResult, error) {
	verbose := entry.VerboseLevel == sessions.VerboseOn

	systemPrompt := BuildSystemPrompt(PromptInfo{
		WorkspaceDir: r.workspaceDir,
		SkillsDir:    r.skillsDir,
		ToolNames:    r.toolNames,
		Timezone:     r.timezone,
		Now:          r.now(),
	})

	ev := &hooks.Event{
		SessionKey: in.SessionKey,
		RunID:      in.RunID,
		AgentID:    in.AgentID,
		Payload: map[string]interface{}{
			"prompt": in.Prompt,
			"model":  spec.Key(),
		},
	}
	r.hooks.FireContextAssembled(ctx, ev)

	delta, err := r.hooks.RunModifying(ctx, hooks.BeforeLLMCall, ev)
	if err != nil {
		return nil, err
	}
	if delta.Block {
		return &RunResult{Payloads: []Payload{{Text: hooks.BlockError(delta.BlockReason).Error(), IsError: true}}}, nil
	}
	if delta.SystemPrompt != nil {
		systemPrompt = *delta.SystemPrompt
	}

	call := &RuntimeCall{
		SessionID:     entry.SessionID,
		SessionKey:    in.SessionKey,
		SessionFile:   entry.SessionFile,
		WorkspaceDir:  r.workspaceDir,
		RunID:         in.RunID,
		Provider:      spec.Provider,
		Model:         spec.Name,
		APIKey:        rot.apiKey(),
		SystemPrompt:  systemPrompt,
		Prompt:        in.Prompt,
		ThinkingLevel: thinking,
		Verbose:       verbose,
		Elevated:      entry.ElevatedLevel == sessions.ElevatedOn,
		Steer:         steer,
	}

	st := &turnState{streamedKeys: make(map[string]bool)}
	if err := r.stream(ctx, call, func(e StreamEvent) { r.onEvent(in, verbose, st, e) }); err != nil {
		return nil, err
	}

	// Usage is persisted even when the reply turns out empty.
	if st.usage.TotalTokens > 0 {
		if uerr := r.sessions.AccumulateUsage(in.SessionKey,
			int64(st.usage.InputTokens), int64(st.usage.OutputTokens), int64(st.usage.ContextTokens),
			spec.Provider, spec.Name); uerr != nil {
			slog.Warn("failed to persist usage", "session", in.SessionKey, "error", uerr)
		}
	}
	if st.compactions > 0 {
		if perr := r.sessions.Patch(in.SessionKey, func(e *sessions.Entry) error {
			e.CompactionCount += st.compactions
			return nil
		}); perr != nil {
			slog.Warn("failed to persist compaction count", "session", in.SessionKey, "error", perr)
		}
	}

	finalText := st.finalText()
	if d, herr := r.hooks.RunModifying(ctx, hooks.AfterLLMCall, ev); herr == nil && d.Content != nil {
		finalText = *d.Content
	}

	emitEv := &hooks.Event{SessionKey: in.SessionKey, RunID: in.RunID, AgentID: in.AgentID,
		Payload: map[string]interface{}{"content": finalText}}
	if d, herr := r.hooks.RunModifying(ctx, hooks.BeforeResponseEmit, emitEv); herr == nil {
		if d.Block {
			return &RunResult{Usage: st.usage}, nil
		}
		if d.Content != nil {
			finalText = *d.Content
		}
	}

	payloads := finalizePayloads(finalText, st.finalMedia, st.streamedKeys)
	if st.compactions > 0 && verbose {
		note := Payload{Text: fmt.Sprintf("Auto-compaction complete (count %d)", entry.CompactionCount+st.compactions)}
		payloads = append([]Payload{note}, payloads...)
	}
	return &RunResult{Payloads: payloads, Usage: st.usage}, nil
}

// turnState accumulates stream output for one attempt.
type turnState struct {
	mu           sync.Mutex
	assembled    []byte
	finalMedia   []string
	streamedKeys map[string]bool
	usage        TokenUsage
	compactions  int
}

func (st *turnState) finalText() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return string(st.assembled)
}

// onEvent multiplexes one stream event to callbacks and state.
func (r *Runner) onEvent(in RunInput, verbose bool, st *turnState, e StreamEvent) {
	switch e.Type {
	case EventPartial:
		st.mu.Lock()
		st.assembled = append(st.assembled, e.Text...)
		if len(e.MediaURLs) > 0 {
			st.finalMedia = append(st.finalMedia, e.MediaURLs...)
		}
		st.mu.Unlock()
		if in.Callbacks.OnPartialReply != nil {
			in.Callbacks.OnPartialReply(e.Text, e.MediaURLs)
		}
	case EventBlock:
		clean, replyID, _ := extractReplyTags(e.Text)
		st.mu.Lock()
		st.streamedKeys[payloadKey(clean, e.MediaURLs, replyID)] = true
		st.mu.Unlock()
		if in.Callbacks.OnBlockReply != nil {
			in.Callbacks.OnBlockReply(e.Text, e.MediaURLs)
		}
	case EventToolResult:
		if verbose && in.Callbacks.OnToolResult != nil {
			in.Callbacks.OnToolResult(e.Text, e.MediaURLs)
		}
	case EventAgent:
		if in.Callbacks.OnAgentEvent != nil {
			in.Callbacks.OnAgentEvent(e.Stream, e.Data)
		}
	case EventUsage:
		if e.Usage != nil {
			st.mu.Lock()
			st.usage.InputTokens += e.Usage.InputTokens
			st.usage.OutputTokens += e.Usage.OutputTokens
			st.usage.TotalTokens += e.Usage.TotalTokens
			if e.Usage.ContextTokens > 0 {
				st.usage.ContextTokens = e.Usage.ContextTokens
			}
			st.mu.Unlock()
		}
	case EventCompaction:
		if e.CompactionPhase == "end" && !e.WillRetry {
			st.mu.Lock()
			st.compactions++
			st.mu.Unlock()
		}
	}
}

// modelFor picks the session's model or the configured default.
func (r *Runner) modelFor(entry sessions.Entry) string {
	if entry.Model != "" {
		return entry.Model
	}
	return r.defaultModel
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
