package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clawdbot/clawdbot/internal/providers"
	"github.com/clawdbot/clawdbot/internal/sessions"
	"github.com/clawdbot/clawdbot/internal/tools"
)

// StreamOptions wires the provider-backed default stream.
type StreamOptions struct {
	Sessions *sessions.Store
	Tools    *tools.Registry

	// MaxIterations caps the tool-call loop per turn. 0 uses the default.
	MaxIterations int
	// HistoryLimit bounds how many transcript messages are replayed as
	// context. 0 uses the default.
	HistoryLimit int
	// BlockReplyBreak picks where block replies are emitted: BlockBreakTextEnd
	// pushes each completed paragraph, BlockBreakMessageEnd pushes one block
	// per assistant message. Empty disables block replies; a RuntimeCall can
	// override per turn.
	BlockReplyBreak string

	// NewProvider overrides provider construction, used by tests.
	NewProvider func(spec ModelSpec, apiKey string) providers.Provider
}

const (
	defaultMaxIterations = 20
	defaultHistoryLimit  = 200
)

// Block reply boundaries.
const (
	BlockBreakTextEnd    = "text_end"
	BlockBreakMessageEnd = "message_end"
)

// NewProviderStream returns the default StreamFn: it replays the session
// transcript, streams the model response, and runs requested tools until
// the model stops asking for them.
func NewProviderStream(opts StreamOptions) StreamFn {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	histLimit := opts.HistoryLimit
	if histLimit <= 0 {
		histLimit = defaultHistoryLimit
	}
	newProvider := opts.NewProvider
	if newProvider == nil {
		newProvider = NewProviderFor
	}

	return func(ctx context.Context, call *RuntimeCall, emit func(StreamEvent)) error {
		provider := newProvider(ModelSpec{Provider: call.Provider, Name: call.Model}, call.APIKey)

		blockBreak := call.BlockReplyBreak
		if blockBreak == "" {
			blockBreak = opts.BlockReplyBreak
		}

		messages := []providers.Message{{Role: "system", Content: call.SystemPrompt}}
		messages = append(messages, loadTranscript(opts.Sessions, call.SessionKey, histLimit)...)

		userMsg := providers.Message{Role: "user", Content: call.Prompt}
		messages = append(messages, userMsg)
		appendTranscript(opts.Sessions, call.SessionKey, userMsg)

		var defs []providers.ToolDefinition
		if opts.Tools != nil {
			defs = opts.Tools.Definitions()
		}

		reqOpts := map[string]interface{}{}
		if call.ThinkingLevel != "" {
			reqOpts[providers.OptThinkingLevel] = call.ThinkingLevel
		}

		for iter := 0; iter < maxIter; iter++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			var blockBuf strings.Builder
			resp, err := provider.ChatStream(ctx, providers.ChatRequest{
				Messages: messages,
				Tools:    defs,
				Model:    call.Model,
				Options:  reqOpts,
			}, func(chunk providers.StreamChunk) {
				if chunk.Content != "" {
					emit(StreamEvent{Type: EventPartial, Text: chunk.Content})
					if blockBreak == BlockBreakTextEnd {
						blockBuf.WriteString(chunk.Content)
						emitParagraphBlocks(&blockBuf, emit)
					}
				}
			})
			if err != nil {
				return err
			}

			// A message end is also a text end, so residual buffered text
			// flushes either way.
			switch blockBreak {
			case BlockBreakTextEnd:
				if rem := strings.TrimSpace(blockBuf.String()); rem != "" {
					emit(StreamEvent{Type: EventBlock, Text: rem})
				}
			case BlockBreakMessageEnd:
				if resp.Content != "" {
					emit(StreamEvent{Type: EventBlock, Text: resp.Content})
				}
			}

			if resp.Usage != nil {
				emit(StreamEvent{Type: EventUsage, Usage: &TokenUsage{
					InputTokens:   resp.Usage.PromptTokens,
					OutputTokens:  resp.Usage.CompletionTokens,
					TotalTokens:   resp.Usage.TotalTokens,
					ContextTokens: resp.Usage.TotalTokens,
				}})
			}

			assistant := providers.Message{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			}
			messages = append(messages, assistant)
			appendTranscript(opts.Sessions, call.SessionKey, assistant)

			toolMsgs := runToolCalls(ctx, opts.Tools, call, resp.ToolCalls, emit)
			for _, tm := range toolMsgs {
				messages = append(messages, tm)
				appendTranscript(opts.Sessions, call.SessionKey, tm)
			}

			// Steering injected mid-run gets one more model pass even when
			// the model considered itself done.
			steered := drainSteer(call.Steer)
			for _, text := range steered {
				sm := providers.Message{Role: "user", Content: text}
				messages = append(messages, sm)
				appendTranscript(opts.Sessions, call.SessionKey, sm)
			}

			if len(resp.ToolCalls) == 0 && len(steered) == 0 {
				return nil
			}
		}

		emit(StreamEvent{Type: EventError, Text: fmt.Sprintf("stopped after %d tool iterations", maxIter)})
		return nil
	}
}

// emitParagraphBlocks pushes every completed paragraph in buf as a block
// reply and keeps the unfinished tail buffered.
func emitParagraphBlocks(buf *strings.Builder, emit func(StreamEvent)) {
	s := buf.String()
	idx := strings.LastIndex(s, "\n\n")
	if idx < 0 {
		return
	}
	for _, para := range strings.Split(s[:idx], "\n\n") {
		if p := strings.TrimSpace(para); p != "" {
			emit(StreamEvent{Type: EventBlock, Text: p})
		}
	}
	buf.Reset()
	buf.WriteString(s[idx+2:])
}

func runToolCalls(ctx context.Context, reg *tools.Registry, call *RuntimeCall, calls []providers.ToolCall, emit func(StreamEvent)) []providers.Message {
	var out []providers.Message
	for _, tc := range calls {
		var (
			forLLM  string
			forUser string
			media   []string
		)
		if reg == nil {
			forLLM = fmt.Sprintf("tool %q is not available", tc.Name)
			forUser = forLLM
		} else {
			res, err := reg.Execute(ctx, tc.Name, tc.Arguments)
			if err != nil {
				forLLM = fmt.Sprintf("tool %s failed: %v", tc.Name, err)
				forUser = forLLM
			} else {
				forLLM = res.ForLLM
				forUser = res.ForUser
				media = res.MediaURLs
			}
		}

		if forUser == "" {
			forUser = forLLM
		}
		emit(StreamEvent{Type: EventToolResult, Text: forUser, MediaURLs: media})

		out = append(out, providers.Message{
			Role:       "tool",
			Content:    forLLM,
			ToolCallID: tc.ID,
		})
	}
	return out
}

func drainSteer(steer <-chan string) []string {
	if steer == nil {
		return nil
	}
	var out []string
	for {
		select {
		case text, ok := <-steer:
			if !ok {
				return out
			}
			if text != "" {
				out = append(out, text)
			}
		default:
			return out
		}
	}
}

func loadTranscript(store *sessions.Store, key string, limit int) []providers.Message {
	if store == nil {
		return nil
	}
	lines, err := store.History(key, limit)
	if err != nil {
		slog.Warn("failed to read session transcript", "session", key, "error", err)
		return nil
	}
	var out []providers.Message
	for _, line := range lines {
		var m providers.Message
		if err := json.Unmarshal(line, &m); err != nil || m.Role == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func appendTranscript(store *sessions.Store, key string, msg providers.Message) {
	if store == nil {
		return
	}
	if err := store.AppendHistory(key, msg); err != nil {
		slog.Warn("failed to append session transcript", "session", key, "error", err)
	}
}
