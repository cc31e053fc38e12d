package providers

// collapseUnsignedToolCalls drops tool-call turns whose calls lack a
// thought_signature. Gemini requires the signature echoed back on every
// tool_call and rejects history recorded before one was captured; the
// assistant's text survives as a plain message and the matching tool
// results go with the calls.
func collapseUnsignedToolCalls(msgs []Message) []Message {
	drop := map[string]bool{}
	for _, m := range msgs {
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		if hasUnsignedCall(m.ToolCalls) {
			for _, tc := range m.ToolCalls {
				drop[tc.ID] = true
			}
		}
	}
	if len(drop) == 0 {
		return msgs
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0 && drop[m.ToolCalls[0].ID]:
			if m.Content != "" {
				out = append(out, Message{Role: "assistant", Content: m.Content})
			}
		case m.Role == "tool" && drop[m.ToolCallID]:
			// dropped with its call
		default:
			out = append(out, m)
		}
	}
	return out
}

func hasUnsignedCall(calls []ToolCall) bool {
	for _, tc := range calls {
		if tc.Metadata["thought_signature"] == "" {
			return true
		}
	}
	return false
}
