package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/floegence/turnengine/internal/clock"
)

const (
	DefaultKeepAlive = 15 * time.Second
	DefaultRetry     = 3 * time.Second
)

// Stream writes SSE frames to one HTTP response.
type Stream struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

// NewStream sets the SSE response headers and returns a writer. The
// ResponseWriter must support flushing.
func NewStream(w http.ResponseWriter) (*Stream, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &Stream{w: w, f: f}, nil
}

func (s *Stream) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// Retry advertises the client reconnection interval.
func (s *Stream) Retry(d time.Duration) error {
	return s.write(fmt.Sprintf("retry: %d\n\n", d.Milliseconds()))
}

func (s *Stream) Send(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.write("data: " + string(b) + "\n\n")
}

// KeepAlive writes a comment frame.
func (s *Stream) KeepAlive() error {
	return s.write(": keep-alive\n\n")
}

type PumpOptions struct {
	Clock     clock.Clock
	KeepAlive time.Duration
	Retry     time.Duration
	// StopAfterTerminal ends the pump after the first message_complete or
	// error event.
	StopAfterTerminal bool
}

// Pump opens the stream (retry advertisement, then a connection event) and
// forwards events until ctx ends, events closes or done fires. It always
// finishes with a close event. An empty conversationID is taken from the
// first forwarded event that carries one.
func Pump(ctx context.Context, s *Stream, conversationID string, events <-chan Event, done <-chan struct{}, opts PumpOptions) error {
	clk := clock.OrReal(opts.Clock)
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	retry := opts.Retry
	if retry <= 0 {
		retry = DefaultRetry
	}
	stamp := func(typ string, data any) Event {
		return Event{Type: typ, Data: data, Timestamp: clk.Now().UnixMilli(), ConversationID: conversationID}
	}

	if err := s.Retry(retry); err != nil {
		return err
	}
	if err := s.Send(stamp(TypeConnection, map[string]any{"status": "connected"})); err != nil {
		return err
	}

	ticker := clk.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.Send(stamp(TypeClose, map[string]any{"reason": "client_disconnected"}))
			return nil
		case <-done:
			return s.Send(stamp(TypeClose, map[string]any{"reason": "closed"}))
		case <-ticker.C():
			if err := s.KeepAlive(); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return s.Send(stamp(TypeClose, map[string]any{"reason": "closed"}))
			}
			if conversationID == "" {
				conversationID = ev.ConversationID
			}
			if err := s.Send(ev); err != nil {
				return err
			}
			if opts.StopAfterTerminal && ev.Terminal() {
				return s.Send(stamp(TypeClose, map[string]any{"reason": "turn_complete"}))
			}
		}
	}
}
