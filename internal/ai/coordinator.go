package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/floegence/turnengine/internal/ai/convstore"
	"github.com/floegence/turnengine/internal/ai/gateway"
	"github.com/floegence/turnengine/internal/ai/sse"
	"github.com/floegence/turnengine/internal/ai/tools"
	"github.com/floegence/turnengine/internal/metrics"
)

// ProcessedCall is the record of one executed tool call.
type ProcessedCall struct {
	ID        string                   `json:"id"`
	Tool      string                   `json:"tool"`
	Arguments json.RawMessage          `json:"arguments"`
	Result    tools.Result             `json:"result"`
	Status    convstore.ToolCallStatus `json:"status"`
}

// runTools executes the model's tool calls one after another, then stores
// the assistant message that requested them and one tool message per
// result, in call order. Individual tool failures are recorded, never
// returned.
func (t *turn) runTools(ctx context.Context, resp gateway.Response) ([]ProcessedCall, error) {
	e := t.e
	calls := resp.ToolCalls
	t.emit(sse.TypeToolExecutionStart, map[string]any{"count": len(calls)})

	ids := uniqueCallIDs(calls)
	processed := make([]ProcessedCall, 0, len(calls))
	failed := 0
	for i, tc := range calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if orig := strings.TrimSpace(tc.ID); orig != "" && orig != ids[i] {
			t.log.Warn("tool call id rewritten", "tool", tc.Name, "tool_call_id", tc.ID, "rewritten_id", ids[i])
		}
		tc.ID = ids[i]
		t.emit(sse.TypeToolExecution, map[string]any{
			"id":        tc.ID,
			"tool":      tc.Name,
			"arguments": tc.ArgumentsJSON(),
			"index":     i,
		})
		pc := t.execute(ctx, tc)
		if pc.Status == convstore.ToolCallFailed {
			failed++
		}
		e.met.Inc(metrics.ToolCallsTotal, "status", string(pc.Status))
		t.emit(sse.TypeToolResult, map[string]any{
			"id":     pc.ID,
			"tool":   pc.Tool,
			"status": string(pc.Status),
			"result": pc.Result,
		})
		processed = append(processed, pc)
	}

	if err := t.persistTools(ctx, resp.Content, processed); err != nil {
		return nil, err
	}
	t.emit(sse.TypeToolExecutionComplete, map[string]any{"count": len(processed), "failed": failed})
	return processed, nil
}

// uniqueCallIDs assigns call_<i> to calls without an id and suffixes _<i>
// to ids already used earlier in the same message.
func uniqueCallIDs(calls []gateway.ToolCall) []string {
	ids := make([]string, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, tc := range calls {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		for base, n := id, 0; seen[id]; n++ {
			id = fmt.Sprintf("%s_%d", base, i+n)
		}
		seen[id] = true
		ids[i] = id
	}
	return ids
}

func (t *turn) execute(ctx context.Context, tc gateway.ToolCall) ProcessedCall {
	pc := ProcessedCall{
		ID:        tc.ID,
		Tool:      tc.Name,
		Arguments: tc.ArgumentsJSON(),
		Status:    convstore.ToolCallFailed,
	}

	params, err := parseArguments(pc.Arguments)
	if err != nil {
		pc.Result = tools.Failed(tc.Name, nil, fmt.Errorf("%w: %v", tools.ErrInvalidArguments, err))
		t.log.Warn("tool arguments rejected", "tool", tc.Name, "tool_call_id", pc.ID, "error", err)
		return pc
	}

	var res tools.Result
	if t.e.exec == nil {
		res, err = tools.Failed(tc.Name, params, fmt.Errorf("%w: %s", tools.ErrUnknownTool, tc.Name)), nil
	} else {
		res, err = t.e.exec.Execute(ctx, tc.Name, params)
	}
	switch {
	case err != nil:
		res = tools.Failed(tc.Name, params, err)
	case !res.Success && res.Error == nil:
		res.Error = &tools.ToolError{Code: tools.ErrorCodeUnknown, Message: "tool reported failure"}
	}
	pc.Result = res
	if res.Success {
		pc.Status = convstore.ToolCallCompleted
	} else {
		t.log.Info("tool call failed", "tool", tc.Name, "tool_call_id", pc.ID, "code", string(res.Error.Code))
	}
	return pc
}

func parseArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

func (t *turn) persistTools(ctx context.Context, content string, processed []ProcessedCall) error {
	e := t.e
	now := e.clk.Now().UnixMilli()
	calls := make([]convstore.ToolCall, 0, len(processed))
	results := make([]string, 0, len(processed))
	for _, pc := range processed {
		b, err := json.Marshal(pc.Result)
		if err != nil {
			return fmt.Errorf("encode tool result %s: %w", pc.ID, err)
		}
		result := string(b)
		results = append(results, result)
		toolName, fn := convstore.SplitToolName(pc.Tool)
		calls = append(calls, convstore.ToolCall{
			ID:              pc.ID,
			ToolName:        toolName,
			FunctionName:    fn,
			ArgumentsJSON:   string(pc.Arguments),
			ResultJSON:      &result,
			Status:          pc.Status,
			CreatedAtUnixMs: now,
		})
	}

	assistant, err := e.store.AppendMessage(ctx, t.convID, convstore.NewMessage{
		Role:      convstore.RoleAssistant,
		Content:   content,
		ToolCalls: calls,
		Metadata:  map[string]string{convstore.MetaModel: t.modelID},
	})
	if err != nil {
		return err
	}
	t.emit(sse.TypeMessageAdded, messageEvent(assistant))

	for i, pc := range processed {
		m, err := e.store.AppendMessage(ctx, t.convID, convstore.NewMessage{
			Role:    convstore.RoleTool,
			Content: results[i],
			Metadata: map[string]string{
				convstore.MetaToolCallID: pc.ID,
				convstore.MetaToolName:   pc.Tool,
			},
		})
		if err != nil {
			return err
		}
		t.emit(sse.TypeMessageAdded, messageEvent(m))
	}
	return nil
}

// followup rebuilds context over the stored tool results and makes the one
// post-tool model call with tool use disabled. The catalog is still sent
// because the context now carries tool history. Tool calls the model
// still requests are dropped.
func (t *turn) followup(ctx context.Context) (gateway.Response, error) {
	t.emit(sse.TypeFollowupGeneration, map[string]any{"model": t.modelID})
	tc, err := t.e.ctxb.Build(ctx, t.convID, t.model)
	if err != nil {
		return gateway.Response{}, err
	}
	resp, err := t.callModel(ctx, tc, t.defs, true)
	if err != nil {
		return gateway.Response{}, err
	}
	if n := len(resp.ToolCalls); n > 0 {
		t.e.met.Inc(metrics.FollowupToolCallsDroppedTotal)
		names := make([]string, 0, n)
		for _, c := range resp.ToolCalls {
			names = append(names, c.Name)
		}
		t.log.Warn("follow-up requested tools; dropping", "count", n, "tools", strings.Join(names, ","))
		resp.ToolCalls = nil
		if resp.FinishReason == gateway.FinishToolCalls {
			resp.FinishReason = gateway.FinishStop
		}
	}
	return resp, nil
}
