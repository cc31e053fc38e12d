package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"

	anthropicDefaultModel     = "claude-sonnet-4-20250514"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider speaks the Anthropic Messages API, including SSE
// streaming and extended thinking.
type AnthropicProvider struct {
	defaultModel string
	api          *apiClient
	retry        RetryConfig
}

// NewAnthropicProvider builds an Anthropic client. Empty baseURL and
// defaultModel fall back to the hosted API and a current Claude model.
func NewAnthropicProvider(apiKey, baseURL, defaultModel string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	if defaultModel == "" {
		defaultModel = anthropicDefaultModel
	}
	headers := func(r *http.Request) {
		r.Header.Set("x-api-key", apiKey)
		r.Header.Set("anthropic-version", anthropicVersion)
	}
	return &AnthropicProvider{
		defaultModel: defaultModel,
		api:          newAPIClient("anthropic", strings.TrimRight(baseURL, "/")+"/messages", headers),
		retry:        DefaultRetryConfig(),
	}
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.encodeRequest(req, false)

	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		stream, err := p.api.postJSON(ctx, body)
		if err != nil {
			return nil, err
		}
		defer stream.Close()

		var resp anthropicMessage
		if err := json.NewDecoder(stream).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return resp.toChatResponse(), nil
	})
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
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
	toolArgs := make(map[int]string) // tool call index -> accumulated JSON input

	err = scanSSE(stream, func(event, data string) error {
		var ev anthropicStreamEvent
		if json.Unmarshal([]byte(data), &ev) != nil {
			return nil
		}

		switch event {
		case "message_start":
			u := ev.Message.Usage
			result.Usage = &Usage{
				PromptTokens:        u.InputTokens,
				CacheCreationTokens: u.CacheCreationInputTokens,
				CacheReadTokens:     u.CacheReadInputTokens,
			}

		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        ev.ContentBlock.ID,
					Name:      ev.ContentBlock.Name,
					Arguments: map[string]interface{}{},
				})
			}

		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				result.Content += ev.Delta.Text
				if onChunk != nil {
					onChunk(StreamChunk{Content: ev.Delta.Text})
				}
			case "thinking_delta":
				result.Thinking += ev.Delta.Thinking
				if onChunk != nil {
					onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
				}
			case "input_json_delta":
				if n := len(result.ToolCalls); n > 0 {
					toolArgs[n-1] += ev.Delta.PartialJSON
				}
			}

		case "message_delta":
			result.FinishReason = finishReasonFromStop(ev.Delta.StopReason, result.FinishReason)
			if ev.Usage.OutputTokens > 0 {
				if result.Usage == nil {
					result.Usage = &Usage{}
				}
				result.Usage.CompletionTokens = ev.Usage.OutputTokens
			}

		case "error":
			return fmt.Errorf("anthropic: stream error: %s: %s", ev.Error.Type, ev.Error.Message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, raw := range toolArgs {
		args := map[string]interface{}{}
		_ = json.Unmarshal([]byte(raw), &args)
		result.ToolCalls[i].Arguments = args
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	if result.Usage != nil {
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

// encodeRequest maps a ChatRequest onto the Messages API shape: system
// messages collect into the system array, tool results fold back into
// user turns, and the generic thinking level becomes a token budget.
func (p *AnthropicProvider) encodeRequest(req ChatRequest, stream bool) map[string]interface{} {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var system []map[string]interface{}
	var messages []map[string]interface{}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, textBlock(m.Content))

		case "user":
			if len(m.Images) == 0 {
				messages = append(messages, map[string]interface{}{"role": "user", "content": m.Content})
				continue
			}
			var blocks []map[string]interface{}
			for _, img := range m.Images {
				blocks = append(blocks, map[string]interface{}{
					"type": "image",
					"source": map[string]interface{}{
						"type":       "base64",
						"media_type": img.MimeType,
						"data":       img.Data,
					},
				})
			}
			if m.Content != "" {
				blocks = append(blocks, textBlock(m.Content))
			}
			messages = append(messages, map[string]interface{}{"role": "user", "content": blocks})

		case "assistant":
			var blocks []map[string]interface{}
			if m.Content != "" {
				blocks = append(blocks, textBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Arguments,
				})
			}
			messages = append(messages, map[string]interface{}{"role": "assistant", "content": blocks})

		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		}
	}

	body := map[string]interface{}{
		"model":      model,
		"max_tokens": anthropicDefaultMaxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if len(system) > 0 {
		body["system"] = system
	}

	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": CleanSchemaForProvider("anthropic", t.Function.Parameters),
			})
		}
		body["tools"] = tools
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		body["thinking"] = map[string]interface{}{
			"type":          "enabled",
			"budget_tokens": anthropicThinkingBudget(level),
		}
	}

	return body
}

func textBlock(text string) map[string]interface{} {
	return map[string]interface{}{"type": "text", "text": text}
}

// anthropicThinkingBudget maps a generic thinking level to a token
// budget for the thinking block.
func anthropicThinkingBudget(level string) int {
	switch level {
	case "low":
		return 2048
	case "high":
		return 16384
	default:
		return 8192
	}
}

func finishReasonFromStop(stopReason, current string) string {
	switch stopReason {
	case "":
		return current
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// Messages API wire types.

type anthropicMessage struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// anthropicStreamEvent is the union of the SSE payloads this client
// reads; the event name on the wire selects which fields are set.
type anthropicStreamEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock anthropicBlock `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (m *anthropicMessage) toChatResponse() *ChatResponse {
	out := &ChatResponse{}
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "thinking":
			out.Thinking += block.Thinking
		case "tool_use":
			args := map[string]interface{}{}
			_ = json.Unmarshal(block.Input, &args)
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	out.FinishReason = finishReasonFromStop(m.StopReason, "stop")
	out.Usage = &Usage{
		PromptTokens:        m.Usage.InputTokens,
		CompletionTokens:    m.Usage.OutputTokens,
		TotalTokens:         m.Usage.InputTokens + m.Usage.OutputTokens,
		CacheCreationTokens: m.Usage.CacheCreationInputTokens,
		CacheReadTokens:     m.Usage.CacheReadInputTokens,
	}
	return out
}
