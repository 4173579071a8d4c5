package contextpack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/turnengine/internal/ai/convstore"
	"github.com/floegence/turnengine/internal/ai/gateway"
)

// Summarizer condenses the messages evicted from a context window.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []convstore.Message) (string, error)
}

const (
	extractiveMaxLines = 12
	extractiveMaxRunes = 100
)

// ExtractiveSummarizer builds a deterministic "- role: text" digest of the
// last few evicted messages.
type ExtractiveSummarizer struct{}

func (ExtractiveSummarizer) Summarize(_ context.Context, msgs []convstore.Message) (string, error) {
	return extractiveDigest(msgs), nil
}

func extractiveDigest(msgs []convstore.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case convstore.RoleUser, convstore.RoleAssistant, convstore.RoleTool:
		default:
			continue
		}
		txt := strings.Join(strings.Fields(m.Content), " ")
		if txt == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.FunctionName)
			}
			txt = "called " + strings.Join(names, ", ")
		}
		if txt == "" {
			continue
		}
		if r := []rune(txt); len(r) > extractiveMaxRunes {
			txt = string(r[:extractiveMaxRunes]) + " ..."
		}
		lines = append(lines, "- "+string(m.Role)+": "+txt)
	}
	if len(lines) > extractiveMaxLines {
		lines = lines[len(lines)-extractiveMaxLines:]
	}
	return strings.Join(lines, "\n")
}

// Caller is the batch half of gateway.Gateway.
type Caller interface {
	Call(ctx context.Context, msgs []gateway.Message, tools []gateway.ToolDef, opts gateway.Options) (gateway.Response, error)
}

const summaryInstruction = "Summarize the earlier part of this conversation in a few short bullet points. " +
	"Keep facts, decisions, tool results and open questions. Reply with the summary only."

// ModelSummarizer asks the model for a summary with tools disabled.
type ModelSummarizer struct {
	Caller    Caller
	Model     string
	MaxTokens int
}

func (s ModelSummarizer) Summarize(ctx context.Context, msgs []convstore.Message) (string, error) {
	if s.Caller == nil {
		return "", errors.New("missing model caller")
	}
	var transcript strings.Builder
	for _, m := range msgs {
		mm := ToModelMessage(m)
		content := mm.Content
		if content == "" && len(mm.ToolCalls) > 0 {
			names := make([]string, 0, len(mm.ToolCalls))
			for _, tc := range mm.ToolCalls {
				names = append(names, tc.Name+"("+tc.Arguments+")")
			}
			content = "[tool calls] " + strings.Join(names, "; ")
		}
		fmt.Fprintf(&transcript, "%s: %s\n", mm.Role, content)
	}
	resp, err := s.Caller.Call(ctx, []gateway.Message{
		{Role: gateway.RoleSystem, Content: summaryInstruction},
		{Role: gateway.RoleUser, Content: transcript.String()},
	}, nil, gateway.Options{Model: s.Model, MaxTokens: s.MaxTokens, DisableTools: true})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", errors.New("empty summary")
	}
	return out, nil
}
