package providers

import (
	"context"
	"log/slog"
)

const (
	dashscopeBaseURL      = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen3-max"
)

// DashScopeProvider layers the DashScope quirks over the compatible
// endpoint: the generic thinking level becomes enable_thinking plus a
// token budget, and tools cannot be combined with streaming.
type DashScopeProvider struct {
	*OpenAIProvider
}

func NewDashScopeProvider(apiKey, apiBase, defaultModel string) *DashScopeProvider {
	if apiBase == "" {
		apiBase = dashscopeBaseURL
	}
	if defaultModel == "" {
		defaultModel = dashscopeDefaultModel
	}
	return &DashScopeProvider{
		OpenAIProvider: NewOpenAIProvider("dashscope", apiKey, apiBase, defaultModel),
	}
}

func (p *DashScopeProvider) Name() string { return "dashscope" }

// ChatStream streams when it can. With tools present the endpoint
// rejects streaming, so the call runs through Chat and the response is
// replayed to onChunk as synthetic chunks.
func (p *DashScopeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	req.Options = dashscopeThinkingOptions(req.Options)

	if len(req.Tools) == 0 {
		return p.OpenAIProvider.ChatStream(ctx, req, onChunk)
	}

	slog.Debug("dashscope: tools present, using non-streaming chat")
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		if resp.Thinking != "" {
			onChunk(StreamChunk{Thinking: resp.Thinking})
		}
		if resp.Content != "" {
			onChunk(StreamChunk{Content: resp.Content})
		}
		onChunk(StreamChunk{Done: true})
	}
	return resp, nil
}

// dashscopeThinkingOptions rewrites the generic thinking level into the
// DashScope pass-through keys. The caller's map is not mutated.
func dashscopeThinkingOptions(options map[string]interface{}) map[string]interface{} {
	level, ok := options[OptThinkingLevel].(string)
	if !ok || level == "" || level == "off" {
		return options
	}

	out := make(map[string]interface{}, len(options)+1)
	for k, v := range options {
		out[k] = v
	}
	delete(out, OptThinkingLevel)
	out[OptEnableThinking] = true
	out[OptThinkingBudget] = dashscopeThinkingBudget(level)
	return out
}

func dashscopeThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "high":
		return 32768
	default:
		return 16384
	}
}
