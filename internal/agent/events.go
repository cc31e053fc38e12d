package agent

// StreamEvent is one event emitted by the runtime during a turn.
type StreamEvent struct {
	Type      string // "partial", "block", "tool_result", "agent", "usage", "compaction", "error"
	Text      string
	MediaURLs []string

	// agent events
	Stream string
	Data   map[string]interface{}

	// usage events
	Usage *TokenUsage

	// compaction events
	CompactionPhase string // "start", "end"
	WillRetry       bool
}

// Event types.
const (
	EventPartial    = "partial"
	EventBlock      = "block"
	EventToolResult = "tool_result"
	EventAgent      = "agent"
	EventUsage      = "usage"
	EventCompaction = "compaction"
	EventError      = "error"
)

// TokenUsage is the runtime's token accounting for one LLM call.
type TokenUsage struct {
	InputTokens   int
	OutputTokens  int
	TotalTokens   int
	ContextTokens int
}

// Callbacks multiplex stream events to the caller. Any callback may be nil.
type Callbacks struct {
	OnPartialReply func(text string, mediaURLs []string)
	OnBlockReply   func(text string, mediaURLs []string)
	OnToolResult   func(text string, mediaURLs []string)
	OnAgentEvent   func(stream string, data map[string]interface{})
}
