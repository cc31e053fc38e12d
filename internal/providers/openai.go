package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const openAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider speaks the chat-completions wire format shared by
// OpenAI, OpenRouter, Groq, DeepSeek, vLLM and the other compatible
// endpoints. The provider name selects per-vendor quirks.
type OpenAIProvider struct {
	name         string
	defaultModel string
	api          *apiClient
	retry        RetryConfig
}

// NewOpenAIProvider builds a client for an OpenAI-compatible endpoint.
// An empty apiBase targets the hosted OpenAI API.
func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = openAIBaseURL
	}
	url := strings.TrimRight(apiBase, "/") + "/chat/completions"
	headers := func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return &OpenAIProvider{
		name:         name,
		defaultModel: defaultModel,
		api:          newAPIClient(name, url, headers),
		retry:        DefaultRetryConfig(),
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// resolveModel picks the model id for a request. OpenRouter ids carry a
// vendor prefix; an unprefixed model there falls back to the default.
func (p *OpenAIProvider) resolveModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	if p.name == "openrouter" && !strings.Contains(model, "/") {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.encodeRequest(req, false)

	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		stream, err := p.api.postJSON(ctx, body)
		if err != nil {
			return nil, err
		}
		defer stream.Close()

		var resp openAIResponse
		if err := json.NewDecoder(stream).Decode(&resp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		return p.parseResponse(&resp), nil
	})
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.encodeRequest(req, true)

	// Only the connect phase retries. A stream that dies mid-flight
	// surfaces its error to the caller.
	stream, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.api.postJSON(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	result := &ChatResponse{FinishReason: "stop"}
	calls := make(map[int]*toolCallAccumulator)

	err = scanSSE(stream, func(_, data string) error {
		var chunk openAIStreamChunk
		if json.Unmarshal([]byte(data), &chunk) != nil {
			return nil
		}

		if chunk.Usage != nil {
			result.Usage = usageFromOpenAI(chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		choice := chunk.Choices[0]

		if t := choice.Delta.ReasoningContent; t != "" {
			result.Thinking += t
			if onChunk != nil {
				onChunk(StreamChunk{Thinking: t})
			}
		}
		if t := choice.Delta.Content; t != "" {
			result.Content += t
			if onChunk != nil {
				onChunk(StreamChunk{Content: t})
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc := calls[tc.Index]
			if acc == nil {
				acc = &toolCallAccumulator{ToolCall: ToolCall{ID: tc.ID}}
				calls[tc.Index] = acc
			}
			if name := strings.TrimSpace(tc.Function.Name); name != "" {
				acc.Name = name
			}
			acc.rawArgs += tc.Function.Arguments
			if tc.Function.ThoughtSignature != "" {
				acc.thoughtSig = tc.Function.ThoughtSignature
			}
		}

		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := 0; i < len(calls); i++ {
		acc := calls[i]
		args := map[string]interface{}{}
		_ = json.Unmarshal([]byte(acc.rawArgs), &args)
		acc.Arguments = args
		if acc.thoughtSig != "" {
			acc.Metadata = map[string]string{"thought_signature": acc.thoughtSig}
		}
		result.ToolCalls = append(result.ToolCalls, acc.ToolCall)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

// encodeRequest builds the chat-completions body. Gemini endpoints get
// two extra accommodations: tool-call turns without a thought_signature
// collapse into plain text, and assistant messages never carry an empty
// content field alongside tool_calls.
func (p *OpenAIProvider) encodeRequest(req ChatRequest, stream bool) map[string]interface{} {
	input := req.Messages
	gemini := strings.Contains(strings.ToLower(p.name), "gemini")
	if gemini {
		input = collapseUnsignedToolCalls(input)
	}

	msgs := make([]map[string]interface{}, 0, len(input))
	for _, m := range input {
		msgs = append(msgs, p.encodeMessage(m))
	}

	body := map[string]interface{}{
		"model":    p.resolveModel(req.Model),
		"messages": msgs,
		"stream":   stream,
	}
	if stream {
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		body["tools"] = CleanToolSchemas(p.name, req.Tools)
		body["tool_choice"] = "auto"
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	// Models without reasoning support ignore the effort knob.
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		body[OptReasoningEffort] = level
	}
	for _, key := range []string{OptEnableThinking, OptThinkingBudget} {
		if v, ok := req.Options[key]; ok {
			body[key] = v
		}
	}

	return body
}

// encodeMessage converts one Message to the wire shape: tool calls gain
// the type/function envelope with arguments as a JSON string, and
// images become data-URL content parts.
func (p *OpenAIProvider) encodeMessage(m Message) map[string]interface{} {
	msg := map[string]interface{}{"role": m.Role}

	switch {
	case m.Role == "user" && len(m.Images) > 0:
		var parts []map[string]interface{}
		for _, img := range m.Images {
			parts = append(parts, map[string]interface{}{
				"type": "image_url",
				"image_url": map[string]interface{}{
					"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
				},
			})
		}
		if m.Content != "" {
			parts = append(parts, map[string]interface{}{"type": "text", "text": m.Content})
		}
		msg["content"] = parts
	case m.Content != "" || len(m.ToolCalls) == 0:
		msg["content"] = m.Content
	}

	if len(m.ToolCalls) > 0 {
		calls := make([]map[string]interface{}, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			fn := map[string]interface{}{
				"name":      tc.Name,
				"arguments": string(args),
			}
			if sig := tc.Metadata["thought_signature"]; sig != "" {
				fn["thought_signature"] = sig
			}
			calls[i] = map[string]interface{}{"id": tc.ID, "type": "function", "function": fn}
		}
		msg["tool_calls"] = calls
	}
	if m.ToolCallID != "" {
		msg["tool_call_id"] = m.ToolCallID
	}

	return msg
}

func (p *OpenAIProvider) parseResponse(resp *openAIResponse) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Content = choice.Message.Content
		result.Thinking = choice.Message.ReasoningContent
		result.FinishReason = choice.FinishReason

		for _, tc := range choice.Message.ToolCalls {
			args := map[string]interface{}{}
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			call := ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: args,
			}
			if tc.Function.ThoughtSignature != "" {
				call.Metadata = map[string]string{"thought_signature": tc.Function.ThoughtSignature}
			}
			result.ToolCalls = append(result.ToolCalls, call)
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		}
	}

	if resp.Usage != nil {
		result.Usage = usageFromOpenAI(resp.Usage)
	}
	return result
}

func usageFromOpenAI(u *openAIUsage) *Usage {
	out := &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ThinkingTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}
