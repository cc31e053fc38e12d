package providers

// Option keys recognized in ChatRequest.Options. Generic keys are
// translated per provider; provider-specific keys pass through to the
// wire body as-is.
const (
	OptMaxTokens       = "max_tokens"
	OptTemperature     = "temperature"
	OptThinkingLevel   = "thinking_level"   // generic: "off", "low", "medium", "high"
	OptReasoningEffort = "reasoning_effort" // OpenAI o-series
	OptEnableThinking  = "enable_thinking"  // DashScope
	OptThinkingBudget  = "thinking_budget"  // DashScope
)
