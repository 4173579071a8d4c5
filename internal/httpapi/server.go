// Package httpapi exposes the turn engine over HTTP: conversation CRUD, chat
// turns (JSON or SSE), per-conversation event streams and a metrics snapshot.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/floegence/turnengine/internal/ai"
	"github.com/floegence/turnengine/internal/ai/convstore"
	"github.com/floegence/turnengine/internal/ai/sse"
	"github.com/floegence/turnengine/internal/clock"
	"github.com/floegence/turnengine/internal/metrics"
)

const defaultListen = "127.0.0.1:8080"

// Turns runs chat turns.
type Turns interface {
	Chat(ctx context.Context, req ai.TurnRequest) (ai.TurnResult, error)
}

// Conversations is the read/delete side of the conversation store.
type Conversations interface {
	CreateConversation(ctx context.Context, title string, metadata map[string]string) (string, error)
	GetConversation(ctx context.Context, id string) (*convstore.Conversation, error)
	GetMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]convstore.Message, error)
	DeleteConversation(ctx context.Context, id string) (bool, error)
	ListConversations(ctx context.Context, limit int) ([]convstore.Conversation, error)
}

type Options struct {
	Logger *slog.Logger
	// Listen is host:port. Defaults to 127.0.0.1:8080.
	Listen string

	Engine  Turns
	Store   Conversations
	Hub     *sse.Hub
	Metrics *metrics.Registry
	Clock   clock.Clock

	// JWTSecret enables bearer-token client identity when non-empty.
	JWTSecret []byte

	KeepAlive time.Duration
	Retry     time.Duration

	Version string
}

type Server struct {
	log *slog.Logger

	listen  string
	version string

	engine Turns
	store  Conversations
	hub    *sse.Hub
	reg    *metrics.Registry
	clk    clock.Clock
	ident  identifier

	keepAlive time.Duration
	retry     time.Duration

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("missing Engine")
	}
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	if opts.Hub == nil {
		return nil, errors.New("missing Hub")
	}
	listen := strings.TrimSpace(opts.Listen)
	if listen == "" {
		listen = defaultListen
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return nil, fmt.Errorf("invalid Listen %q: %w", listen, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:       logger,
		listen:    listen,
		version:   strings.TrimSpace(opts.Version),
		engine:    opts.Engine,
		store:     opts.Store,
		hub:       opts.Hub,
		reg:       opts.Metrics,
		clk:       clock.OrReal(opts.Clock),
		ident:     identifier{secret: opts.JWTSecret},
		keepAlive: opts.KeepAlive,
		retry:     opts.Retry,
	}, nil
}

// Handler returns the routed API; Start serves the same handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)

	mux.HandleFunc("GET /v1/conversations", s.withClient(s.handleListConversations))
	mux.HandleFunc("POST /v1/conversations", s.withClient(s.handleCreateConversation))
	mux.HandleFunc("GET /v1/conversations/{id}", s.withClient(s.handleGetConversation))
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.withClient(s.handleDeleteConversation))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.withClient(s.handleMessages))
	mux.HandleFunc("GET /v1/conversations/{id}/events", s.withClient(s.handleEvents))

	mux.HandleFunc("POST /v1/chat", s.withClient(s.handleChat))
	mux.HandleFunc("POST /v1/conversations/{id}/chat", s.withClient(s.handleChat))
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
		}
	}()

	s.log.Info("http api listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, errorResp{Error: code, Message: message})
}
