// Package sse fans turn events out to per-conversation subscribers and
// writes them to HTTP clients as server-sent events.
package sse

// Event types.
const (
	TypeConnection            = "connection"
	TypeMessageAdded          = "message_added"
	TypeAIThinking            = "ai_thinking"
	TypeContentChunk          = "content_chunk"
	TypeToolCallChunk         = "tool_call_chunk"
	TypeToolExecutionStart    = "tool_execution_start"
	TypeToolExecution         = "tool_execution"
	TypeToolResult            = "tool_result"
	TypeToolExecutionComplete = "tool_execution_complete"
	TypeFollowupGeneration    = "followup_generation"
	TypeMessageComplete       = "message_complete"
	TypePhase                 = "phase"
	TypeProgress              = "progress"
	TypeError                 = "error"
	TypeClose                 = "close"
)

// Event is the wire envelope. Timestamp is unix milliseconds.
type Event struct {
	Type           string `json:"type"`
	Data           any    `json:"data"`
	Timestamp      int64  `json:"timestamp"`
	ConversationID string `json:"conversationId"`
}

// Terminal reports whether ev ends a turn.
func (ev Event) Terminal() bool {
	return ev.Type == TypeMessageComplete || ev.Type == TypeError
}

// Emitter publishes events for a conversation. Emit never blocks on slow
// consumers.
type Emitter interface {
	Emit(conversationID string, eventType string, data any)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(string, string, any) {}
