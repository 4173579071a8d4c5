package gateway

import (
	"sort"
	"strings"
)

type partialCall struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// accumulator reassembles a streamed response. Tool-call fragments are
// concatenated per index in arrival order.
type accumulator struct {
	content strings.Builder
	calls   map[int]*partialCall
	finish  string
	usage   Usage
}

func newAccumulator() *accumulator {
	return &accumulator{calls: make(map[int]*partialCall)}
}

func (a *accumulator) addContent(s string) {
	a.content.WriteString(s)
}

func (a *accumulator) addToolCall(d ToolCallDelta) {
	pc := a.calls[d.Index]
	if pc == nil {
		pc = &partialCall{}
		a.calls[d.Index] = pc
	}
	if d.ID != "" && pc.id == "" {
		pc.id = d.ID
	}
	pc.name.WriteString(d.Name)
	pc.args.WriteString(d.Arguments)
}

func (a *accumulator) setFinish(reason string) {
	if reason != "" {
		a.finish = reason
	}
}

func (a *accumulator) setUsage(u Usage) {
	if u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0 {
		a.usage = u
	}
}

func (a *accumulator) response() Response {
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	resp := Response{Content: a.content.String(), FinishReason: a.finish, Usage: a.usage}
	for _, i := range idx {
		pc := a.calls[i]
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: pc.id, Name: pc.name.String(), Arguments: pc.args.String()})
	}
	return normalizeResponse(resp)
}

// normalizeResponse gives batch and streamed envelopes the same shape.
func normalizeResponse(r Response) Response {
	calls := make([]ToolCall, 0, len(r.ToolCalls))
	for _, tc := range r.ToolCalls {
		tc.Name = strings.TrimSpace(tc.Name)
		if tc.Name == "" {
			continue
		}
		if strings.TrimSpace(tc.Arguments) == "" {
			tc.Arguments = "{}"
		}
		calls = append(calls, tc)
	}
	if len(calls) == 0 {
		calls = nil
	}
	r.ToolCalls = calls
	r.FinishReason = normalizeFinish(r.FinishReason, len(calls) > 0)
	if r.Usage.TotalTokens == 0 {
		r.Usage.TotalTokens = r.Usage.PromptTokens + r.Usage.CompletionTokens
	}
	return r
}

func normalizeFinish(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return FinishToolCalls
	}
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "", "stop", "end_turn", "stop_sequence":
		return FinishStop
	case "length", "max_tokens":
		return FinishLength
	case "content_filter", "refusal":
		return FinishFiltered
	case "tool_calls", "tool_use", "function_call":
		// Tool use announced but no usable call survived.
		return FinishStop
	default:
		return strings.ToLower(strings.TrimSpace(reason))
	}
}

// sanitizeToolName maps a tool name onto [A-Za-z0-9_-].
func sanitizeToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_' || ch == '-':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// toolAliases returns wire name -> registered name for defs.
func toolAliases(defs []ToolDef) map[string]string {
	out := make(map[string]string, len(defs))
	for _, d := range defs {
		if n := strings.TrimSpace(d.Name); n != "" {
			out[sanitizeToolName(n)] = n
		}
	}
	return out
}

func resolveAlias(aliases map[string]string, wire string) string {
	if real, ok := aliases[wire]; ok {
		return real
	}
	return wire
}
