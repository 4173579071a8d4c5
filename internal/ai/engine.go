// Package ai runs conversation turns: one inbound user message in, one
// persisted assistant response out, with at most one round of tool calls in
// between.
package ai

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/floegence/turnengine/internal/ai/contextpack"
	"github.com/floegence/turnengine/internal/ai/convstore"
	"github.com/floegence/turnengine/internal/ai/errs"
	"github.com/floegence/turnengine/internal/ai/gateway"
	"github.com/floegence/turnengine/internal/ai/sse"
	"github.com/floegence/turnengine/internal/ai/tools"
	"github.com/floegence/turnengine/internal/clock"
	"github.com/floegence/turnengine/internal/metrics"
	"github.com/floegence/turnengine/internal/ratelimit"
)

// TurnState is a state of the turn state machine.
type TurnState string

const (
	StateBuildingContext TurnState = "BUILDING_CONTEXT"
	StateCallingModel    TurnState = "CALLING_MODEL"
	StateToolsPending    TurnState = "TOOLS_PENDING"
	StateExecutingTools  TurnState = "EXECUTING_TOOLS"
	StateCallingFollowup TurnState = "CALLING_FOLLOWUP"
	StatePersisting      TurnState = "PERSISTING"
	StateDone            TurnState = "DONE"
	StateError           TurnState = "ERROR"
)

const defaultMaxMessageBytes = 64 * 1024

type ConversationStore interface {
	CreateConversation(ctx context.Context, title string, metadata map[string]string) (string, error)
	GetConversation(ctx context.Context, id string) (*convstore.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, in convstore.NewMessage) (convstore.Message, error)
}

type ContextBuilder interface {
	Build(ctx context.Context, conversationID string, model string) (contextpack.TurnContext, error)
}

type Admission interface {
	Check(ctx context.Context, clientID string, trusted bool) (ratelimit.Decision, error)
}

type Options struct {
	Store   ConversationStore
	Context ContextBuilder
	Models  ModelResolver

	// Admission is optional; nil admits every turn.
	Admission Admission
	// Tools is optional; nil disables tool use. Catalog defaults to Tools
	// when it also lists definitions.
	Tools   tools.Executor
	Catalog tools.Catalog

	Events  sse.Emitter
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics metrics.Collector

	Temperature     *float64
	MaxTokens       int
	DisableTools    bool
	MaxMessageBytes int
}

// TurnRequest is one inbound user message.
type TurnRequest struct {
	// ConversationID is empty to start a new conversation.
	ConversationID string
	// Title and Metadata apply only to a new conversation.
	Title    string
	Metadata map[string]string

	ClientID string
	Trusted  bool

	Message string
	// Model is "<provider>/<model>"; empty selects the default model.
	Model        string
	Stream       bool
	DisableTools bool
	Temperature  *float64
	MaxTokens    int

	// OnEvent receives every event of this turn in addition to the
	// conversation's subscribers. It is called from the turn goroutine.
	OnEvent func(sse.Event)
}

// TurnResult describes the final assistant message of a turn.
type TurnResult struct {
	ConversationID string          `json:"conversation_id"`
	UserMessageID  string          `json:"user_message_id"`
	MessageID      string          `json:"message_id"`
	Content        string          `json:"content"`
	FinishReason   string          `json:"finish_reason"`
	IsFollowup     bool            `json:"is_followup"`
	Model          string          `json:"model"`
	ToolCalls      []ProcessedCall `json:"tool_calls,omitempty"`
	Usage          gateway.Usage   `json:"usage"`
}

type Engine struct {
	store     ConversationStore
	ctxb      ContextBuilder
	models    ModelResolver
	admission Admission
	exec      tools.Executor
	catalog   tools.Catalog
	events    sse.Emitter
	clk       clock.Clock
	log       *slog.Logger
	met       metrics.Collector

	temperature     *float64
	maxTokens       int
	disableTools    bool
	maxMessageBytes int

	leases *leases
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("missing conversation store")
	}
	if opts.Context == nil {
		return nil, errors.New("missing context builder")
	}
	if opts.Models == nil {
		return nil, errors.New("missing model resolver")
	}
	e := &Engine{
		store:           opts.Store,
		ctxb:            opts.Context,
		models:          opts.Models,
		admission:       opts.Admission,
		exec:            opts.Tools,
		catalog:         opts.Catalog,
		events:          opts.Events,
		clk:             clock.OrReal(opts.Clock),
		log:             opts.Logger,
		met:             metrics.OrNop(opts.Metrics),
		temperature:     opts.Temperature,
		maxTokens:       opts.MaxTokens,
		disableTools:    opts.DisableTools,
		maxMessageBytes: opts.MaxMessageBytes,
		leases:          newLeases(),
	}
	if e.catalog == nil {
		if c, ok := opts.Tools.(tools.Catalog); ok {
			e.catalog = c
		}
	}
	if e.events == nil {
		e.events = sse.Nop{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.maxMessageBytes <= 0 {
		e.maxMessageBytes = defaultMaxMessageBytes
	}
	return e, nil
}

// Busy reports whether a turn is running for conversationID.
func (e *Engine) Busy(conversationID string) bool {
	return e.leases.held(strings.TrimSpace(conversationID))
}

type turn struct {
	e     *Engine
	req   TurnRequest
	log   *slog.Logger
	state TurnState

	convID  string
	gw      gateway.Gateway
	model   string
	modelID string
	usage   gateway.Usage
	// defs is the catalog sent with every model call of the turn, even
	// when tool use is disabled.
	defs []gateway.ToolDef
}

// Chat runs one turn synchronously.
//
// Validation, the per-conversation lease and admission control all run
// before anything is written. Once the user message is stored it stays
// stored even when a later stage fails.
func (e *Engine) Chat(ctx context.Context, req TurnRequest) (TurnResult, error) {
	start := e.clk.Now()
	t := &turn{e: e, req: req, convID: strings.TrimSpace(req.ConversationID)}
	t.log = e.log.With("conversation_id", t.convID, "client_id", strings.TrimSpace(req.ClientID))

	res, err := t.run(ctx)
	outcome := "ok"
	if err != nil {
		outcome = errs.Code(err)
	}
	e.met.Inc(metrics.TurnsTotal, "outcome", outcome)
	e.met.Observe(metrics.TurnDuration, e.clk.Now().Sub(start), "outcome", outcome)
	return res, err
}

func (t *turn) run(ctx context.Context) (TurnResult, error) {
	e := t.e
	text := t.req.Message
	if strings.TrimSpace(text) == "" {
		return TurnResult{}, t.fail("validate", errs.Invalid("message", "must not be empty"))
	}
	if !utf8.ValidString(text) {
		return TurnResult{}, t.fail("validate", errs.Invalid("message", "must be valid UTF-8"))
	}
	if len(text) > e.maxMessageBytes {
		return TurnResult{}, t.fail("validate", errs.Invalid("message", "exceeds %d bytes", e.maxMessageBytes))
	}
	gw, model, err := e.models.Resolve(ctx, t.req.Model)
	if err != nil {
		return TurnResult{}, t.fail("resolve_model", err)
	}
	t.gw, t.model = gw, model
	t.modelID = strings.TrimSpace(t.req.Model)
	if t.modelID == "" {
		t.modelID = gw.Provider() + "/" + model
	}

	if t.convID != "" {
		release, ok := e.leases.acquire(t.convID)
		if !ok {
			return TurnResult{}, t.fail("lease", errs.ErrConversationBusy)
		}
		defer release()
	}

	if err := t.admit(ctx); err != nil {
		return TurnResult{}, t.fail("admission", err)
	}

	if t.convID == "" {
		id, err := e.store.CreateConversation(ctx, t.req.Title, t.req.Metadata)
		if err != nil {
			return TurnResult{}, t.fail("create_conversation", err)
		}
		t.convID = id
		t.log = t.log.With("conversation_id", id)
		release, _ := e.leases.acquire(id)
		defer release()
	} else {
		conv, err := e.store.GetConversation(ctx, t.convID)
		if err != nil {
			return TurnResult{}, t.fail("load_conversation", err)
		}
		if conv == nil {
			return TurnResult{}, t.fail("load_conversation", errs.ErrConversationNotFound)
		}
	}

	userMsg, err := e.store.AppendMessage(ctx, t.convID, convstore.NewMessage{Role: convstore.RoleUser, Content: text})
	if err != nil {
		return TurnResult{}, t.fail("persist_user_message", err)
	}
	t.emit(sse.TypeMessageAdded, messageEvent(userMsg))

	t.to(StateBuildingContext)
	tc, err := e.ctxb.Build(ctx, t.convID, t.model)
	if err != nil {
		return TurnResult{}, t.fail(string(StateBuildingContext), err)
	}
	if tc.Evicted > 0 {
		t.emit(sse.TypeProgress, map[string]any{"stage": "context", "evicted": tc.Evicted, "estimated_tokens": tc.EstimatedTokens})
	}

	t.defs = t.toolDefs()
	enabled := t.toolsEnabled()
	t.to(StateCallingModel)
	resp, err := t.callModel(ctx, tc, t.defs, !enabled)
	if err != nil {
		return TurnResult{}, t.fail(string(StateCallingModel), err)
	}

	if !enabled && len(resp.ToolCalls) > 0 {
		t.log.Warn("model requested tools with tool use disabled; dropping", "count", len(resp.ToolCalls))
		resp.ToolCalls = nil
		resp.FinishReason = gateway.FinishStop
	}

	res := TurnResult{ConversationID: t.convID, UserMessageID: userMsg.ID, Model: t.modelID}
	final := resp
	if len(resp.ToolCalls) > 0 {
		t.to(StateToolsPending)
		t.to(StateExecutingTools)
		processed, err := t.runTools(ctx, resp)
		if err != nil {
			return TurnResult{}, t.fail(string(StateExecutingTools), err)
		}
		res.ToolCalls = processed

		t.to(StateCallingFollowup)
		final, err = t.followup(ctx)
		if err != nil {
			return TurnResult{}, t.fail(string(StateCallingFollowup), err)
		}
		res.IsFollowup = true
	}

	t.to(StatePersisting)
	meta := map[string]string{convstore.MetaModel: t.modelID}
	if res.IsFollowup {
		meta[convstore.MetaIsFollowup] = "true"
	}
	stored, err := e.store.AppendMessage(ctx, t.convID, convstore.NewMessage{
		Role:     convstore.RoleAssistant,
		Content:  final.Content,
		Metadata: meta,
	})
	if err != nil {
		return TurnResult{}, t.fail(string(StatePersisting), err)
	}
	t.emit(sse.TypeMessageAdded, messageEvent(stored))

	res.MessageID = stored.ID
	res.Content = final.Content
	res.FinishReason = final.FinishReason
	res.Usage = t.usage
	t.emit(sse.TypeMessageComplete, map[string]any{
		"message_id":    stored.ID,
		"content":       final.Content,
		"finish_reason": final.FinishReason,
		"is_followup":   res.IsFollowup,
		"usage":         t.usage,
	})
	t.to(StateDone)
	return res, nil
}

func (t *turn) admit(ctx context.Context) error {
	e := t.e
	if e.admission == nil {
		return nil
	}
	d, err := e.admission.Check(ctx, t.req.ClientID, t.req.Trusted)
	if err != nil {
		e.met.Inc(metrics.AdmissionRejectedTotal, "reason", "store_error")
		return err
	}
	if !d.Allowed {
		e.met.Inc(metrics.AdmissionRejectedTotal, "reason", "limit")
		return &errs.RateLimitError{ClientID: strings.TrimSpace(t.req.ClientID), RetryAfter: d.RetryAfter}
	}
	return nil
}

func (t *turn) toolsEnabled() bool {
	e := t.e
	return !e.disableTools && !t.req.DisableTools && len(t.defs) > 0
}

func (t *turn) toolDefs() []gateway.ToolDef {
	e := t.e
	if e.exec == nil || e.catalog == nil {
		return nil
	}
	defs := e.catalog.Definitions()
	out := make([]gateway.ToolDef, 0, len(defs))
	for _, d := range defs {
		out = append(out, gateway.ToolDef{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return out
}

func (t *turn) options(disableTools bool) gateway.Options {
	opts := gateway.Options{
		Model:        t.model,
		Temperature:  t.e.temperature,
		MaxTokens:    t.e.maxTokens,
		DisableTools: disableTools,
	}
	if t.req.Temperature != nil {
		opts.Temperature = t.req.Temperature
	}
	if t.req.MaxTokens > 0 {
		opts.MaxTokens = t.req.MaxTokens
	}
	return opts
}

// callModel performs one batch or streamed model call and accumulates usage.
func (t *turn) callModel(ctx context.Context, tc contextpack.TurnContext, defs []gateway.ToolDef, disableTools bool) (gateway.Response, error) {
	t.emit(sse.TypeAIThinking, map[string]any{"model": t.modelID, "state": string(t.state)})
	msgs := tc.ModelMessages()
	opts := t.options(disableTools)

	var (
		resp gateway.Response
		err  error
	)
	if t.req.Stream {
		t.emit(sse.TypeMessageAdded, map[string]any{"role": string(convstore.RoleAssistant), "placeholder": true})
		resp, err = t.gw.StreamCall(ctx, msgs, defs, opts, func(d gateway.Delta) {
			if d.Content != "" {
				t.emit(sse.TypeContentChunk, map[string]any{"content": d.Content})
			}
			if d.ToolCall != nil {
				t.emit(sse.TypeToolCallChunk, d.ToolCall)
			}
		})
	} else {
		resp, err = t.gw.Call(ctx, msgs, defs, opts)
	}
	if err != nil {
		return gateway.Response{}, err
	}
	t.usage.PromptTokens += resp.Usage.PromptTokens
	t.usage.CompletionTokens += resp.Usage.CompletionTokens
	t.usage.TotalTokens += resp.Usage.TotalTokens
	return resp, nil
}

func (t *turn) to(next TurnState) {
	if t.state == next {
		return
	}
	t.log.Debug("turn state", "from", string(t.state), "state", string(next))
	t.state = next
	if t.convID != "" {
		t.emit(sse.TypePhase, map[string]any{"state": string(next)})
	}
}

func (t *turn) emit(eventType string, data any) {
	if t.convID == "" {
		return
	}
	t.e.events.Emit(t.convID, eventType, data)
	if t.req.OnEvent != nil {
		t.req.OnEvent(sse.Event{
			Type:           eventType,
			Data:           data,
			Timestamp:      t.e.clk.Now().UnixMilli(),
			ConversationID: t.convID,
		})
	}
}

// fail moves the turn to ERROR, emits the error event and wraps err.
func (t *turn) fail(stage string, err error) error {
	t.state = StateError
	code := errs.Code(err)
	t.log.Warn("turn failed", "stage", stage, "code", code, "error", err)
	payload := map[string]any{"code": code, "message": err.Error(), "stage": stage}
	var rl *errs.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		payload["retry_after_ms"] = rl.RetryAfter.Milliseconds()
	}
	t.emit(sse.TypeError, payload)
	return &errs.ProcessingError{Stage: stage, Err: err}
}

func messageEvent(m convstore.Message) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"role":       string(m.Role),
		"content":    m.Content,
		"tool_calls": len(m.ToolCalls),
		"created_at": time.UnixMilli(m.CreatedAtUnixMs).UTC().Format(time.RFC3339Nano),
	}
}
