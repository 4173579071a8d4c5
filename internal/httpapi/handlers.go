package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/floegence/turnengine/internal/ai"
	"github.com/floegence/turnengine/internal/ai/convstore"
	"github.com/floegence/turnengine/internal/ai/errs"
	"github.com/floegence/turnengine/internal/ai/sse"
)

const maxBodyBytes = 1 << 20

type createConversationReq struct {
	Title    string            `json:"title,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type chatReq struct {
	Message      string            `json:"message"`
	Model        string            `json:"model,omitempty"`
	Title        string            `json:"title,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Stream       bool              `json:"stream,omitempty"`
	DisableTools bool              `json:"disable_tools,omitempty"`
	Temperature  *float64          `json:"temperature,omitempty"`
	MaxTokens    int               `json:"max_tokens,omitempty"`
}

type healthResp struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResp{Status: "ok", Version: s.version})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.reg == nil {
		writeError(w, http.StatusNotFound, "not_found", "metrics are disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.reg.Snapshot(r.Context()))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		s.writeErr(w, err)
		return
	}
	list, err := s.store.ListConversations(r.Context(), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []convstore.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationReq
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	id, err := s.store.CreateConversation(r.Context(), req.Title, req.Metadata)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	c, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if c == nil {
		s.writeErr(w, errs.ErrConversationNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if c == nil {
		s.writeErr(w, errs.ErrConversationNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type busyReporter interface {
	Busy(conversationID string) bool
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if b, ok := s.engine.(busyReporter); ok && b.Busy(id) {
		s.writeErr(w, errs.ErrConversationBusy)
		return
	}
	ok, err := s.store.DeleteConversation(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		s.writeErr(w, errs.ErrConversationNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, err := intQuery(r, "limit")
	if err != nil {
		s.writeErr(w, err)
		return
	}
	c, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if c == nil {
		s.writeErr(w, errs.ErrConversationNotFound)
		return
	}
	msgs, err := s.store.GetMessages(r.Context(), id, limit, r.URL.Query().Get("before"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if msgs == nil {
		msgs = []convstore.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if c == nil {
		s.writeErr(w, errs.ErrConversationNotFound)
		return
	}

	sub := s.hub.Subscribe(id)
	defer sub.Close()

	stream, err := sse.NewStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "processing_error", err.Error())
		return
	}
	s.log.Debug("event stream opened", "conversation_id", id, "client_id", clientFrom(r.Context()).ID)
	if err := sse.Pump(r.Context(), stream, id, sub.Events(), sub.Done(), s.pumpOptions(false)); err != nil {
		s.log.Debug("event stream ended", "conversation_id", id, "error", err)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatReq
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, err)
		return
	}
	client := clientFrom(r.Context())
	req := ai.TurnRequest{
		ConversationID: r.PathValue("id"),
		Title:          body.Title,
		Metadata:       body.Metadata,
		ClientID:       client.ID,
		Trusted:        client.Trusted,
		Message:        body.Message,
		Model:          body.Model,
		Stream:         body.Stream,
		DisableTools:   body.DisableTools,
		Temperature:    body.Temperature,
		MaxTokens:      body.MaxTokens,
	}
	if body.Stream {
		s.streamChat(w, r, req)
		return
	}

	res, err := s.engine.Chat(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// streamChat runs the turn and writes its own events as SSE until the turn's
// terminal event.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req ai.TurnRequest) {
	stream, err := sse.NewStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "processing_error", err.Error())
		return
	}

	events := make(chan sse.Event, 64)
	stopped := make(chan struct{})
	finished := make(chan struct{})
	terminal := false
	push := func(ev sse.Event) {
		select {
		case events <- ev:
		case <-stopped:
		}
	}
	req.OnEvent = func(ev sse.Event) {
		if ev.Terminal() {
			terminal = true
		}
		push(ev)
	}

	go func() {
		defer close(finished)
		defer close(events)
		_, err := s.engine.Chat(r.Context(), req)
		if err != nil && !terminal {
			push(sse.Event{
				Type:           sse.TypeError,
				Data:           errorPayload(err),
				Timestamp:      s.clk.Now().UnixMilli(),
				ConversationID: strings.TrimSpace(req.ConversationID),
			})
		}
	}()

	if err := sse.Pump(r.Context(), stream, strings.TrimSpace(req.ConversationID), events, nil, s.pumpOptions(true)); err != nil {
		s.log.Debug("chat stream ended", "conversation_id", req.ConversationID, "error", err)
	}
	close(stopped)
	<-finished
}

func (s *Server) pumpOptions(stopAfterTerminal bool) sse.PumpOptions {
	return sse.PumpOptions{
		Clock:             s.clk,
		KeepAlive:         s.keepAlive,
		Retry:             s.retry,
		StopAfterTerminal: stopAfterTerminal,
	}
}

func errorPayload(err error) map[string]any {
	payload := map[string]any{"code": errs.Code(err), "message": err.Error()}
	var rl *errs.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		payload["retry_after_ms"] = rl.RetryAfter.Milliseconds()
	}
	return payload
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "code", errs.Code(err), "error", err)
	}
	resp := errorResp{Error: errs.Code(err), Message: err.Error()}
	var rl *errs.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		resp.RetryAfterMs = rl.RetryAfter.Milliseconds()
		secs := int64((rl.RetryAfter.Milliseconds() + 999) / 1000)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, status, resp)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errs.Invalid("body", "%v", err)
	}
	return nil
}

func intQuery(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errs.Invalid(key, "must be a non-negative integer")
	}
	return n, nil
}
