// Package convstore persists conversations, messages and tool calls.
//
// The relational Repository is authoritative. Store layers a cache-aside
// read path over it: reads repopulate the cache with a bounded TTL, writes
// commit first and then invalidate the affected entries. Cache failures are
// logged and treated as misses.
package convstore

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/turnengine/internal/ai/errs"
	"github.com/floegence/turnengine/internal/cache"
	"github.com/floegence/turnengine/internal/clock"
	"github.com/floegence/turnengine/internal/metrics"
)

const (
	defaultConversationTTL = 5 * time.Minute
	defaultRecentTTL       = 30 * time.Second
	defaultRecentWindow    = 50
	maxMessagesPerPage     = 500
)

type Options struct {
	Repo    *Repository
	Cache   cache.Store
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics metrics.Collector

	ConversationTTL time.Duration
	RecentTTL       time.Duration
	// RecentWindow is the number of trailing messages kept in the recent entry.
	RecentWindow int
}

type Store struct {
	repo  *Repository
	cache cache.Store
	clk   clock.Clock
	log   *slog.Logger
	met   metrics.Collector

	convTTL      time.Duration
	recentTTL    time.Duration
	recentWindow int
}

func New(opts Options) (*Store, error) {
	if opts.Repo == nil {
		return nil, errors.New("missing repository")
	}
	s := &Store{
		repo:         opts.Repo,
		cache:        opts.Cache,
		clk:          clock.OrReal(opts.Clock),
		log:          opts.Logger,
		met:          metrics.OrNop(opts.Metrics),
		convTTL:      opts.ConversationTTL,
		recentTTL:    opts.RecentTTL,
		recentWindow: opts.RecentWindow,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.convTTL <= 0 {
		s.convTTL = defaultConversationTTL
	}
	if s.recentTTL <= 0 {
		s.recentTTL = defaultRecentTTL
	}
	if s.recentWindow <= 0 {
		s.recentWindow = defaultRecentWindow
	}
	return s, nil
}

// RecentWindow reports how many trailing messages a default read returns.
func (s *Store) RecentWindow() int {
	if s == nil {
		return defaultRecentWindow
	}
	return s.recentWindow
}

func conversationKey(id string) string { return "conv:" + id }
func recentKey(id string) string       { return "conv:" + id + ":recent" }

// CreateConversation inserts a new conversation and returns its id.
func (s *Store) CreateConversation(ctx context.Context, title string, metadata map[string]string) (string, error) {
	now := s.clk.Now().UnixMilli()
	c := Conversation{
		ID:              "conv_" + uuid.NewString(),
		Title:           strings.TrimSpace(title),
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
		Metadata:        metadata,
	}
	if err := s.repo.CreateConversation(ctx, c); err != nil {
		return "", &errs.ConversationError{Op: "create conversation", Err: err}
	}
	return c.ID, nil
}

// GetConversation returns (nil, nil) when the conversation does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errs.Invalid("conversation_id", "must not be empty")
	}

	var cached Conversation
	if s.load(ctx, conversationKey(id), &cached) {
		return &cached, nil
	}

	c, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, &errs.ConversationError{Op: "get conversation", Err: err}
	}
	if c == nil {
		return nil, nil
	}
	s.save(ctx, conversationKey(id), *c, s.convTTL)
	return c, nil
}

// AppendMessage persists one message and its tool calls, then invalidates
// the conversation's cache entries. It returns the stored message.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, in NewMessage) (Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Message{}, errs.Invalid("conversation_id", "must not be empty")
	}
	if !in.Role.Valid() {
		return Message{}, errs.Invalid("role", "unknown role %q", in.Role)
	}
	if len(in.ToolCalls) > 0 && in.Role != RoleAssistant {
		return Message{}, errs.Invalid("tool_calls", "only assistant messages carry tool calls")
	}
	for i, tc := range in.ToolCalls {
		if strings.TrimSpace(tc.ID) == "" || strings.TrimSpace(tc.FunctionName) == "" {
			return Message{}, errs.Invalid("tool_calls", "tool call %d is missing id or function name", i)
		}
	}

	m := Message{
		ID:              "msg_" + uuid.NewString(),
		ConversationID:  conversationID,
		Role:            in.Role,
		Content:         in.Content,
		ToolCalls:       append([]ToolCall(nil), in.ToolCalls...),
		Metadata:        in.Metadata,
		CreatedAtUnixMs: s.clk.Now().UnixMilli(),
	}
	stored, err := s.repo.InsertMessage(ctx, m)
	if errors.Is(err, errs.ErrConversationNotFound) {
		return Message{}, err
	}
	if err != nil {
		return Message{}, &errs.ConversationError{Op: "append message", Err: err}
	}
	s.invalidate(ctx, conversationKey(conversationID), recentKey(conversationID))
	return stored, nil
}

// GetMessages returns up to limit messages in stored order. Reads without
// beforeID that fit the recent window are served from cache.
func (s *Store) GetMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errs.Invalid("conversation_id", "must not be empty")
	}
	if limit <= 0 {
		limit = s.recentWindow
	}
	if limit > maxMessagesPerPage {
		limit = maxMessagesPerPage
	}
	beforeID = strings.TrimSpace(beforeID)

	if beforeID == "" && limit <= s.recentWindow {
		var recent []Message
		if !s.load(ctx, recentKey(conversationID), &recent) {
			var err error
			recent, err = s.repo.ListMessages(ctx, conversationID, s.recentWindow, "")
			if err != nil {
				return nil, &errs.ConversationError{Op: "list messages", Err: err}
			}
			s.save(ctx, recentKey(conversationID), recent, s.recentTTL)
		}
		if len(recent) > limit {
			recent = recent[len(recent)-limit:]
		}
		return recent, nil
	}

	msgs, err := s.repo.ListMessages(ctx, conversationID, limit, beforeID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, errs.Invalid("before", "message %q not found in conversation", beforeID)
	}
	if err != nil {
		return nil, &errs.ConversationError{Op: "list messages", Err: err}
	}
	return msgs, nil
}

// DeleteConversation cascades tool calls, messages and the conversation in
// one transaction and purges the cache. It reports whether anything was deleted.
func (s *Store) DeleteConversation(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, errs.Invalid("conversation_id", "must not be empty")
	}
	ok, err := s.repo.DeleteConversation(ctx, id)
	if err != nil {
		return false, &errs.ConversationError{Op: "delete conversation", Err: err}
	}
	s.invalidate(ctx, conversationKey(id), recentKey(id))
	return ok, nil
}

func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	out, err := s.repo.ListConversations(ctx, limit)
	if err != nil {
		return nil, &errs.ConversationError{Op: "list conversations", Err: err}
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, key string, v any) bool {
	if s.cache == nil {
		return false
	}
	ok, err := cache.Load(ctx, s.cache, key, v)
	if err != nil {
		s.cacheError("read", key, err)
		return false
	}
	return ok
}

func (s *Store) save(ctx context.Context, key string, v any, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	if err := cache.Save(ctx, s.cache, key, v, ttl); err != nil {
		s.cacheError("write", key, err)
	}
}

func (s *Store) invalidate(ctx context.Context, keys ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(context.WithoutCancel(ctx), keys...); err != nil {
		s.cacheError("invalidate", strings.Join(keys, ","), err)
	}
}

func (s *Store) cacheError(op string, key string, err error) {
	s.met.Inc(metrics.CacheErrorsTotal, "op", op)
	s.log.Warn("conversation cache error", "op", op, "key", key, "error", err)
}
