package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/floegence/turnengine/internal/ai/convstore"
	"github.com/floegence/turnengine/internal/ai/gateway"
)

// messagesAPI mimics the Anthropic Messages API for one tool round: the
// first request gets a tool_use reply, the request carrying the
// tool_result gets text. Tool blocks without tool definitions are
// rejected with 400.
type messagesAPI struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (m *messagesAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	m.mu.Lock()
	m.bodies = append(m.bodies, body)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	hasResult := strings.Contains(string(raw), `"tool_result"`)
	if tools, _ := body["tools"].([]any); (hasResult || strings.Contains(string(raw), `"tool_use"`)) && len(tools) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"Requests which include tool_use or tool_result blocks must define tools."}}`)
		return
	}
	if !hasResult {
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"fake-model",
"content":[{"type":"tool_use","id":"toolu_1","name":"echo","input":{"x":1}}],
"stop_reason":"tool_use","stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":5}}`)
		return
	}
	_, _ = io.WriteString(w, `{"id":"msg_2","type":"message","role":"assistant","model":"fake-model",
"content":[{"type":"text","text":"Echoed 1."}],
"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":30,"output_tokens":4}}`)
}

func TestChat_AnthropicToolRoundAndFollowup(t *testing.T) {
	t.Parallel()

	api := &messagesAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	client, err := gateway.New(gateway.Config{
		ProviderID: "claude",
		Type:       gateway.ProviderAnthropic,
		BaseURL:    srv.URL,
		APIKey:     "k",
		Retry:      gateway.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	h := newHarness(t, nil, harnessOptions{exec: echoExecutor(), models: staticResolver{gw: client}})

	res, err := h.e.Chat(context.Background(), TurnRequest{ClientID: "c1", Message: "echo 1"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !res.IsFollowup || res.Content != "Echoed 1." || len(res.ToolCalls) != 1 || res.ToolCalls[0].Status != convstore.ToolCallCompleted {
		t.Fatalf("res=%+v", res)
	}
	if got := roles(h.messages(t, res.ConversationID)); got != "user,assistant,tool,assistant" {
		t.Fatalf("order=%s", got)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.bodies) != 2 {
		t.Fatalf("requests=%d", len(api.bodies))
	}
	if _, ok := api.bodies[0]["tool_choice"]; ok {
		t.Fatalf("first call must leave tool choice to the model: %v", api.bodies[0]["tool_choice"])
	}
	followup := api.bodies[1]
	if tools, _ := followup["tools"].([]any); len(tools) != 1 {
		t.Fatalf("follow-up tools=%v", followup["tools"])
	}
	if choice, _ := followup["tool_choice"].(map[string]any); choice["type"] != "none" {
		t.Fatalf("follow-up tool_choice=%v", followup["tool_choice"])
	}
}
