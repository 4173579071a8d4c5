package convstore

import "strings"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	default:
		return false
	}
}

type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// Metadata keys set on tool-role messages.
const (
	MetaToolCallID = "tool_call_id"
	MetaToolName   = "tool_name"
	MetaIsFollowup = "is_followup"
	MetaModel      = "model"
)

type Conversation struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	CreatedAtUnixMs int64             `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64             `json:"updated_at_unix_ms"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Message is immutable once written.
type Message struct {
	ID              string            `json:"id"`
	ConversationID  string            `json:"conversation_id"`
	Role            Role              `json:"role"`
	Content         string            `json:"content"`
	ToolCalls       []ToolCall        `json:"tool_calls,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAtUnixMs int64             `json:"created_at_unix_ms"`
}

// ToolCall belongs to exactly one assistant message.
type ToolCall struct {
	ID              string         `json:"id"`
	MessageID       string         `json:"message_id"`
	ToolName        string         `json:"tool_name"`
	FunctionName    string         `json:"function_name"`
	ArgumentsJSON   string         `json:"arguments_json"`
	ResultJSON      *string        `json:"result_json,omitempty"`
	Status          ToolCallStatus `json:"status"`
	CreatedAtUnixMs int64          `json:"created_at_unix_ms"`
}

// NewMessage is the input to AppendMessage.
type NewMessage struct {
	Role      Role
	Content   string
	ToolCalls []ToolCall
	Metadata  map[string]string
}

// SplitToolName derives (toolName, functionName) from a model-facing name.
// "files.read" yields ("files", "files.read"); "echo" yields ("echo", "echo").
func SplitToolName(name string) (string, string) {
	name = strings.TrimSpace(name)
	if tool, _, ok := strings.Cut(name, "."); ok && tool != "" {
		return tool, name
	}
	return name, name
}

const maxTitleRunes = 80

// titleFromContent returns the first non-empty line of content, capped at 80 runes.
func titleFromContent(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r := []rune(line)
		if len(r) > maxTitleRunes {
			return strings.TrimSpace(string(r[:maxTitleRunes]))
		}
		return line
	}
	return ""
}
