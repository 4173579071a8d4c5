package contextpack

import (
	"unicode/utf8"

	"github.com/floegence/turnengine/internal/ai/convstore"
	"github.com/floegence/turnengine/internal/ai/gateway"
)

// MaxToolResultBytes caps a tool result as seen by the model. The full
// result stays in tool_calls.result_json.
const MaxToolResultBytes = 16 * 1024

const truncatedMarker = "\n...[truncated]"

// ToModelMessage converts a stored message to its model-facing form.
func ToModelMessage(m convstore.Message) gateway.Message {
	out := gateway.Message{Role: string(m.Role), Content: m.Content}
	switch m.Role {
	case convstore.RoleAssistant:
		if len(m.ToolCalls) > 0 {
			out.ToolCalls = make([]gateway.ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args := tc.ArgumentsJSON
				if args == "" {
					args = "{}"
				}
				out.ToolCalls = append(out.ToolCalls, gateway.ToolCall{ID: tc.ID, Name: tc.FunctionName, Arguments: args})
			}
		}
	case convstore.RoleTool:
		out.ToolCallID = m.Metadata[convstore.MetaToolCallID]
		out.Name = m.Metadata[convstore.MetaToolName]
		out.Content = truncateBytes(m.Content, MaxToolResultBytes)
	}
	return out
}

func ToModelMessages(msgs []convstore.Message) []gateway.Message {
	out := make([]gateway.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, ToModelMessage(msgs[i]))
	}
	return out
}

// truncateBytes cuts s to at most max bytes on a rune boundary, marker included.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - len(truncatedMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}
