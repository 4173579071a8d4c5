package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// anthropicBackend speaks the Messages API.
type anthropicBackend struct {
	client anthropic.Client
}

func newAnthropicBackend(cfg Config) *anthropicBackend {
	opts := []aoption.RequestOption{
		aoption.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		aoption.WithMaxRetries(0),
	}
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		opts = append(opts, aoption.WithBaseURL(u))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, aoption.WithHTTPClient(cfg.HTTPClient))
	}
	return &anthropicBackend{client: anthropic.NewClient(opts...)}
}

func (b *anthropicBackend) params(msgs []Message, tools []ToolDef, opts Options) anthropic.MessageNewParams {
	p := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(opts.Model)),
		MaxTokens: anthropicDefaultMaxTokens,
		Messages:  buildAnthropicMessages(msgs),
	}
	if opts.MaxTokens > 0 {
		p.MaxTokens = int64(opts.MaxTokens)
	}
	if opts.Temperature != nil {
		// Anthropic accepts [0, 1].
		t := *opts.Temperature
		if t > 1 {
			t = 1
		}
		p.Temperature = anthropic.Float(t)
	}
	if system := collectSystemPrompt(msgs); system != "" {
		p.System = []anthropic.TextBlockParam{{Text: system}}
	}
	// Requests carrying tool_use or tool_result blocks must define tools,
	// so disabling tool use sends the definitions with tool_choice none.
	if opts.DisableTools && len(tools) == 0 {
		tools = historyToolDefs(msgs)
	}
	if len(tools) > 0 {
		p.Tools = buildAnthropicTools(tools)
		if opts.DisableTools {
			none := anthropic.NewToolChoiceNoneParam()
			p.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &none}
		}
	}
	return p
}

// historyToolDefs derives minimal definitions for the tools referenced by
// assistant tool calls in msgs.
func historyToolDefs(msgs []Message) []ToolDef {
	var out []ToolDef
	seen := map[string]bool{}
	for _, m := range msgs {
		if m.Role != RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			name := strings.TrimSpace(tc.Name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, ToolDef{Name: name, Parameters: map[string]any{"type": "object", "properties": map[string]any{}}})
		}
	}
	return out
}

func (b *anthropicBackend) call(ctx context.Context, msgs []Message, tools []ToolDef, opts Options) (Response, error) {
	aliases := toolAliases(tools)
	msg, err := b.client.Messages.New(ctx, b.params(msgs, tools, opts))
	if err != nil {
		return Response{}, err
	}
	if msg == nil {
		return Response{}, errors.New("anthropic: empty response")
	}
	resp := Response{
		FinishReason: string(msg.StopReason),
		Usage: Usage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			args := strings.TrimSpace(string(v.Input))
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: v.ID, Name: resolveAlias(aliases, v.Name), Arguments: args})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func (b *anthropicBackend) stream(ctx context.Context, msgs []Message, tools []ToolDef, opts Options, acc *accumulator, emit func(Delta)) error {
	aliases := toolAliases(tools)
	stream := b.client.Messages.NewStreaming(ctx, b.params(msgs, tools, opts))
	defer func() { _ = stream.Close() }()

	msg := anthropic.Message{}
	// content block index -> tool call ordinal
	ordinals := map[int64]int{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return err
		}
		switch v := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if v.ContentBlock.Type != "tool_use" {
				continue
			}
			ord := len(ordinals)
			ordinals[v.Index] = ord
			d := ToolCallDelta{Index: ord, ID: v.ContentBlock.ID, Name: resolveAlias(aliases, v.ContentBlock.Name)}
			acc.addToolCall(d)
			emit(Delta{ToolCall: &d})
		case anthropic.ContentBlockDeltaEvent:
			switch delta := v.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				acc.addContent(delta.Text)
				emit(Delta{Content: delta.Text})
			case anthropic.InputJSONDelta:
				ord, ok := ordinals[v.Index]
				if !ok || delta.PartialJSON == "" {
					continue
				}
				d := ToolCallDelta{Index: ord, Arguments: delta.PartialJSON}
				acc.addToolCall(d)
				emit(Delta{ToolCall: &d})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	acc.setFinish(string(msg.StopReason))
	acc.setUsage(Usage{PromptTokens: msg.Usage.InputTokens, CompletionTokens: msg.Usage.OutputTokens})
	return nil
}

func (b *anthropicBackend) statusOf(err error) (int, string, bool) {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.StatusCode, apiErr.Error(), true
	}
	return 0, "", false
}

func collectSystemPrompt(msgs []Message) string {
	parts := make([]string, 0, 1)
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if s := strings.TrimSpace(m.Content); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// buildAnthropicMessages drops system messages (sent as the system param)
// and merges consecutive tool results into one user turn.
func buildAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	var pendingResults []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			continue
		case RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			continue
		}
		flush()
		switch m.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if raw := strings.TrimSpace(tc.Arguments); raw != "" && json.Valid([]byte(raw)) {
					input = json.RawMessage(raw)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, sanitizeToolName(tc.Name)))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func buildAnthropicTools(defs []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		name := sanitizeToolName(d.Name)
		if name == "" {
			continue
		}
		schema := anthropic.ToolInputSchemaParam{}
		if d.Parameters != nil {
			schema.Properties = d.Parameters["properties"]
			schema.Required = stringSlice(d.Parameters["required"])
		}
		param := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(d.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func stringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
