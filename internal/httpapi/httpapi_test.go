package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/floegence/turnengine/internal/ai"
	"github.com/floegence/turnengine/internal/ai/contextpack"
	"github.com/floegence/turnengine/internal/ai/convstore"
	"github.com/floegence/turnengine/internal/ai/gateway"
	"github.com/floegence/turnengine/internal/ai/sse"
	"github.com/floegence/turnengine/internal/cache"
	"github.com/floegence/turnengine/internal/clock"
	"github.com/floegence/turnengine/internal/metrics"
	"github.com/floegence/turnengine/internal/ratelimit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// replyGateway answers every call with the same text.
type replyGateway struct{ text string }

func (g replyGateway) Provider() string { return "fake" }

func (g replyGateway) Call(context.Context, []gateway.Message, []gateway.ToolDef, gateway.Options) (gateway.Response, error) {
	return gateway.Response{Content: g.text, FinishReason: gateway.FinishStop, Usage: gateway.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}, nil
}

func (g replyGateway) StreamCall(ctx context.Context, msgs []gateway.Message, defs []gateway.ToolDef, opts gateway.Options, onDelta func(gateway.Delta)) (gateway.Response, error) {
	for _, w := range strings.SplitAfter(g.text, " ") {
		onDelta(gateway.Delta{Content: w})
	}
	return g.Call(ctx, msgs, defs, opts)
}

type fixedResolver struct{ gw gateway.Gateway }

func (r fixedResolver) Resolve(context.Context, string) (gateway.Gateway, string, error) {
	return r.gw, "fake-model", nil
}

type testEnv struct {
	srv   *httptest.Server
	store *convstore.Store
	hub   *sse.Hub
	reg   *metrics.Registry
}

type envOptions struct {
	maxRequests int
	secret      []byte
}

func newTestEnv(t *testing.T, eo envOptions) *testEnv {
	t.Helper()
	clk := clock.Real()
	repo, err := convstore.OpenRepository("sqlite", filepath.Join(t.TempDir(), "conversations.sqlite"))
	if err != nil {
		t.Fatalf("OpenRepository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	reg := metrics.NewRegistry()
	kv := cache.NewMemory(clk)
	store, err := convstore.New(convstore.Options{Repo: repo, Cache: kv, Clock: clk, Logger: quietLogger(), Metrics: reg})
	if err != nil {
		t.Fatalf("convstore.New: %v", err)
	}
	b, err := contextpack.NewBuilder(contextpack.Options{Source: store, Summarizer: contextpack.ExtractiveSummarizer{}, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	hub := sse.NewHub(sse.HubOptions{Clock: clk, Logger: quietLogger(), Metrics: reg})

	opts := ai.Options{
		Store:   store,
		Context: b,
		Models:  fixedResolver{gw: replyGateway{text: "hello from the model"}},
		Events:  hub,
		Clock:   clk,
		Logger:  quietLogger(),
		Metrics: reg,
	}
	if eo.maxRequests > 0 {
		lim, err := ratelimit.New(ratelimit.Options{Store: kv, Clock: clk, Logger: quietLogger(), Window: time.Minute, MaxRequests: eo.maxRequests})
		if err != nil {
			t.Fatalf("ratelimit.New: %v", err)
		}
		opts.Admission = lim
	}
	e, err := ai.New(opts)
	if err != nil {
		t.Fatalf("ai.New: %v", err)
	}

	s, err := New(Options{Logger: quietLogger(), Engine: e, Store: store, Hub: hub, Metrics: reg, Clock: clk, JWTSecret: eo.secret, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, hub: hub, reg: reg}
}

func (te *testEnv) do(t *testing.T, method string, path string, body any, header http.Header) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, te.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get(HeaderClientID) == "" {
		req.Header.Set(HeaderClientID, "tester")
	}
	resp, err := te.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("unmarshal %q: %v", string(b), err)
	}
	return v
}

// readEvents parses SSE data frames from a stream body.
func readEvents(t *testing.T, r io.Reader, stopAt string) []sse.Event {
	t.Helper()
	var out []sse.Event
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev sse.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		out = append(out, ev)
		if ev.Type == stopAt {
			break
		}
	}
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t, envOptions{})

	resp, body := te.do(t, http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}
	if h := decode[healthResp](t, body); h.Status != "ok" || h.Version != "test" {
		t.Fatalf("healthz=%+v", h)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control=%q", cc)
	}

	resp, body = te.do(t, http.MethodGet, "/v1/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status=%d", resp.StatusCode)
	}
	snap := decode[metrics.Snapshot](t, body)
	if snap.CollectedAtMs == 0 {
		t.Fatalf("snapshot missing collected_at_ms: %s", body)
	}
}

func TestConversationLifecycle(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t, envOptions{})

	resp, body := te.do(t, http.MethodPost, "/v1/conversations", createConversationReq{Title: "ops", Metadata: map[string]string{"team": "infra"}}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", resp.StatusCode, body)
	}
	conv := decode[convstore.Conversation](t, body)
	if conv.ID == "" || conv.Title != "ops" || conv.Metadata["team"] != "infra" {
		t.Fatalf("conversation=%+v", conv)
	}

	resp, body = te.do(t, http.MethodPost, "/v1/conversations/"+conv.ID+"/chat", chatReq{Message: "hi"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status=%d body=%s", resp.StatusCode, body)
	}
	res := decode[ai.TurnResult](t, body)
	if res.Content != "hello from the model" || res.ConversationID != conv.ID || res.IsFollowup {
		t.Fatalf("result=%+v", res)
	}

	resp, body = te.do(t, http.MethodGet, "/v1/conversations/"+conv.ID+"/messages?limit=10", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages status=%d", resp.StatusCode)
	}
	msgs := decode[struct {
		Messages []convstore.Message `json:"messages"`
	}](t, body).Messages
	if len(msgs) != 2 || msgs[0].Role != convstore.RoleUser || msgs[1].Role != convstore.RoleAssistant {
		t.Fatalf("messages=%+v", msgs)
	}

	if resp, _ := te.do(t, http.MethodGet, "/v1/conversations/"+conv.ID+"/messages?limit=-1", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit status=%d", resp.StatusCode)
	}

	if resp, _ := te.do(t, http.MethodDelete, "/v1/conversations/"+conv.ID, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	resp, body = te.do(t, http.MethodGet, "/v1/conversations/"+conv.ID, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status=%d", resp.StatusCode)
	}
	if e := decode[errorResp](t, body); e.Error != "conversation_not_found" {
		t.Fatalf("error=%+v", e)
	}
	if resp, _ := te.do(t, http.MethodDelete, "/v1/conversations/"+conv.ID, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status=%d", resp.StatusCode)
	}
}

func TestChat_NewConversationAndValidation(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t, envOptions{})

	resp, body := te.do(t, http.MethodPost, "/v1/chat", chatReq{Message: "what is up\nsecond line"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status=%d body=%s", resp.StatusCode, body)
	}
	res := decode[ai.TurnResult](t, body)
	c, err := te.store.GetConversation(context.Background(), res.ConversationID)
	if err != nil || c == nil {
		t.Fatalf("GetConversation: %v %v", c, err)
	}
	if c.Title != "what is up" {
		t.Fatalf("title=%q", c.Title)
	}

	resp, body = te.do(t, http.MethodPost, "/v1/chat", chatReq{Message: "   "}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message status=%d", resp.StatusCode)
	}
	if e := decode[errorResp](t, body); e.Error != "validation_error" {
		t.Fatalf("error=%+v", e)
	}

	resp, _ = te.do(t, http.MethodPost, "/v1/chat", map[string]any{"message": "x", "bogus": 1}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d", resp.StatusCode)
	}

	resp, body = te.do(t, http.MethodPost, "/v1/conversations/conv_missing/chat", chatReq{Message: "hi"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing conversation status=%d body=%s", resp.StatusCode, body)
	}
}

func TestChat_RateLimited(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t, envOptions{maxRequests: 1})

	resp, body := te.do(t, http.MethodPost, "/v1/chat", chatReq{Message: "one"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status=%d body=%s", resp.StatusCode, body)
	}
	convID := decode[ai.TurnResult](t, body).ConversationID

	resp, body = te.do(t, http.MethodPost, "/v1/conversations/"+convID+"/chat", chatReq{Message: "two"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status=%d body=%s", resp.StatusCode, body)
	}
	e := decode[errorResp](t, body)
	if e.Error != "rate_limited" || e.RetryAfterMs <= 0 {
		t.Fatalf("error=%+v", e)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	msgs, err := te.store.GetMessages(context.Background(), convID, 100, "")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("rejected turn wrote messages: %d", len(msgs))
	}

	// A different client has its own window.
	resp, _ = te.do(t, http.MethodPost, "/v1/chat", chatReq{Message: "three"}, http.Header{HeaderClientID: {"other"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("other client status=%d", resp.StatusCode)
	}
}

func TestBearerIdentity(t *testing.T) {
	t.Parallel()
	secret := []byte("test-secret")
	te := newTestEnv(t, envOptions{maxRequests: 1, secret: secret})

	if resp, _ := te.do(t, http.MethodGet, "/v1/conversations", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status=%d", resp.StatusCode)
	}
	bad, err := IssueToken([]byte("other-secret"), "alice", false)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if resp, _ := te.do(t, http.MethodGet, "/v1/conversations", nil, http.Header{"Authorization": {"Bearer " + bad}}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret status=%d", resp.StatusCode)
	}
	if resp, _ := te.do(t, http.MethodGet, "/v1/conversations", nil, http.Header{"Authorization": {"Basic abc"}}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("basic auth status=%d", resp.StatusCode)
	}

	alice, err := IssueToken(secret, "alice", false)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	aliceHdr := http.Header{"Authorization": {"Bearer " + alice}}
	if resp, body := te.do(t, http.MethodPost, "/v1/chat", chatReq{Message: "one"}, aliceHdr); resp.StatusCode != http.StatusOK {
		t.Fatalf("alice first status=%d body=%s", resp.StatusCode, body)
	}
	if resp, _ := te.do(t, http.MethodPost, "/v1/chat", chatReq{Message: "two"}, aliceHdr); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("alice second status=%d", resp.StatusCode)
	}

	// The header is ignored once bearer auth is on: alice cannot pose as someone else.
	aliceHdr.Set(HeaderClientID, "mallory")
	if resp, _ := te.do(t, http.MethodPost, "/v1/chat", chatReq{Message: "three"}, aliceHdr); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("alice via header status=%d", resp.StatusCode)
	}

	ops, err := IssueToken(secret, "ops", true)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	opsHdr := http.Header{"Authorization": {"Bearer " + ops}}
	for i := 0; i < 3; i++ {
		if resp, body := te.do(t, http.MethodPost, "/v1/chat", chatReq{Message: "trusted"}, opsHdr); resp.StatusCode != http.StatusOK {
			t.Fatalf("trusted call %d status=%d body=%s", i, resp.StatusCode, body)
		}
	}
}

func TestChat_StreamWritesTurnEvents(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t, envOptions{})

	b, _ := json.Marshal(chatReq{Message: "stream please", Stream: true})
	req, _ := http.NewRequest(http.MethodPost, te.srv.URL+"/v1/chat", bytes.NewReader(b))
	req.Header.Set(HeaderClientID, "tester")
	resp, err := te.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type=%q", ct)
	}

	events := readEvents(t, resp.Body, sse.TypeClose)
	if len(events) < 3 {
		t.Fatalf("too few events: %d", len(events))
	}
	if events[0].Type != sse.TypeConnection {
		t.Fatalf("first event=%s", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != sse.TypeClose {
		t.Fatalf("last event=%s", last.Type)
	}
	if reason, _ := last.Data.(map[string]any)["reason"].(string); reason != "turn_complete" {
		t.Fatalf("close reason=%v", last.Data)
	}

	var content strings.Builder
	sawComplete := false
	for _, ev := range events {
		switch ev.Type {
		case sse.TypeContentChunk:
			content.WriteString(ev.Data.(map[string]any)["content"].(string))
		case sse.TypeMessageComplete:
			sawComplete = true
			if ev.ConversationID == "" {
				t.Fatalf("message_complete without conversation id")
			}
			if last.ConversationID != ev.ConversationID {
				t.Fatalf("close conversation id=%q, want %q", last.ConversationID, ev.ConversationID)
			}
		}
	}
	if !sawComplete {
		t.Fatalf("no message_complete in %d events", len(events))
	}
	if content.String() != "hello from the model" {
		t.Fatalf("chunks=%q", content.String())
	}
}

func TestChat_StreamValidationErrorIsAnEvent(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t, envOptions{})

	b, _ := json.Marshal(chatReq{Message: "", Stream: true})
	req, _ := http.NewRequest(http.MethodPost, te.srv.URL+"/v1/chat", bytes.NewReader(b))
	req.Header.Set(HeaderClientID, "tester")
	resp, err := te.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	events := readEvents(t, resp.Body, sse.TypeClose)
	var codes []string
	for _, ev := range events {
		if ev.Type == sse.TypeError {
			codes = append(codes, ev.Data.(map[string]any)["code"].(string))
		}
	}
	if len(codes) != 1 || codes[0] != "validation_error" {
		t.Fatalf("error codes=%v", codes)
	}
}

func TestEvents_SubscriberSeesTurn(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t, envOptions{})

	convID, err := te.store.CreateConversation(context.Background(), "watched", nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, te.srv.URL+"/v1/conversations/"+convID+"/events", nil)
	req.Header.Set(HeaderClientID, "watcher")
	resp, err := te.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for te.hub.Subscribers(convID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if r, body := te.do(t, http.MethodPost, "/v1/conversations/"+convID+"/chat", chatReq{Message: "hi"}, nil); r.StatusCode != http.StatusOK {
		t.Fatalf("chat status=%d body=%s", r.StatusCode, body)
	}

	events := readEvents(t, resp.Body, sse.TypeMessageComplete)
	if len(events) == 0 || events[0].Type != sse.TypeConnection {
		t.Fatalf("events=%+v", events)
	}
	if events[len(events)-1].Type != sse.TypeMessageComplete {
		t.Fatalf("stream ended before message_complete: %+v", events)
	}
	added := 0
	for _, ev := range events {
		if ev.Type == sse.TypeMessageAdded {
			added++
		}
		if ev.ConversationID != convID {
			t.Fatalf("event for %q on %q stream", ev.ConversationID, convID)
		}
	}
	if added != 2 {
		t.Fatalf("message_added=%d, want user + assistant", added)
	}

	if r, _ := te.do(t, http.MethodGet, "/v1/conversations/conv_nope/events", nil, nil); r.StatusCode != http.StatusNotFound {
		t.Fatalf("missing conversation events status=%d", r.StatusCode)
	}
}
