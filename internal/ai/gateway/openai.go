package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// openAIBackend speaks Chat Completions; it also serves openai_compatible gateways.
type openAIBackend struct {
	client openai.Client
}

func newOpenAIBackend(cfg Config) *openAIBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithMaxRetries(0),
	}
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		opts = append(opts, option.WithBaseURL(u))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &openAIBackend{client: openai.NewClient(opts...)}
}

func (b *openAIBackend) params(msgs []Message, tools []ToolDef, opts Options) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(strings.TrimSpace(opts.Model)),
		Messages: buildOpenAIMessages(msgs),
	}
	if opts.MaxTokens > 0 {
		p.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		p.Temperature = openai.Float(*opts.Temperature)
	}
	if len(tools) > 0 && !opts.DisableTools {
		p.Tools = buildOpenAITools(tools)
	}
	return p
}

func (b *openAIBackend) call(ctx context.Context, msgs []Message, tools []ToolDef, opts Options) (Response, error) {
	aliases := toolAliases(tools)
	completion, err := b.client.Chat.Completions.New(ctx, b.params(msgs, tools, opts))
	if err != nil {
		return Response{}, err
	}
	if completion == nil || len(completion.Choices) == 0 {
		return Response{}, errors.New("openai: response has no choices")
	}
	choice := completion.Choices[0]
	resp := Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      resolveAlias(aliases, tc.Function.Name),
			Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

func (b *openAIBackend) stream(ctx context.Context, msgs []Message, tools []ToolDef, opts Options, acc *accumulator, emit func(Delta)) error {
	aliases := toolAliases(tools)
	p := b.params(msgs, tools, opts)
	p.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := b.client.Chat.Completions.NewStreaming(ctx, p)
	defer func() { _ = stream.Close() }()

	// Tool names stream in fragments; alias resolution happens once the
	// name is complete, so fragments pass through the accumulator raw.
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 {
			acc.setUsage(Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			})
		}
		for _, choice := range chunk.Choices {
			if choice.Index != 0 {
				continue
			}
			acc.setFinish(choice.FinishReason)
			if choice.Delta.Content != "" {
				acc.addContent(choice.Delta.Content)
				emit(Delta{Content: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				d := ToolCallDelta{
					Index:     int(tc.Index),
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
				if d.ID == "" && d.Name == "" && d.Arguments == "" {
					continue
				}
				acc.addToolCall(d)
				emit(Delta{ToolCall: &d})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	for _, pc := range acc.calls {
		name := pc.name.String()
		if real := resolveAlias(aliases, name); real != name {
			pc.name.Reset()
			pc.name.WriteString(real)
		}
	}
	return nil
}

func (b *openAIBackend) statusOf(err error) (int, string, bool) {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = apiErr.Error()
		}
		return apiErr.StatusCode, msg, true
	}
	return 0, "", false
}

func buildOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			a := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				a.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				a.ToolCalls = append(a.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      sanitizeToolName(tc.Name),
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &a})
		}
	}
	return out
}

func buildOpenAITools(defs []ToolDef) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, d := range defs {
		name := sanitizeToolName(d.Name)
		if name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: name}
		if desc := strings.TrimSpace(d.Description); desc != "" {
			fn.Description = openai.String(desc)
		}
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		fn.Parameters = shared.FunctionParameters(params)
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}
