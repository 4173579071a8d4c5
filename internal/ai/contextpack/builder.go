// Package contextpack assembles the model-facing context for one turn:
// system prompt plus the newest stored messages that fit the token budget,
// with evicted history folded into a summary appended to the system prompt.
package contextpack

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"

	"github.com/floegence/turnengine/internal/ai/convstore"
	"github.com/floegence/turnengine/internal/ai/gateway"
	"github.com/floegence/turnengine/internal/cache"
)

const (
	defaultHistoryLimit     = 50
	defaultMaxContextTokens = 128000
	defaultReserveTokens    = 4096
	defaultSummaryMaxTokens = 1024

	summaryCacheTTL = time.Hour
	summaryHeader   = "\n\nSummary of earlier conversation:\n"
)

// MessageSource reads stored history.
type MessageSource interface {
	GetMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]convstore.Message, error)
}

type Options struct {
	Source     MessageSource
	Summarizer Summarizer
	// Cache stores generated summaries. Optional.
	Cache  cache.Store
	Logger *slog.Logger

	SystemPrompt     string
	HistoryLimit     int
	MaxContextTokens int
	ReserveTokens    int
	SummaryMaxTokens int
}

// TurnContext is the ephemeral input to one model call.
type TurnContext struct {
	ConversationID string
	Model          string
	SystemPrompt   string
	Messages       []convstore.Message
	Summary        string
	// Evicted counts stored messages replaced by the summary.
	Evicted int
	// TokenBudget is max_context_tokens - reserve_tokens.
	TokenBudget     int
	EstimatedTokens int
}

// ModelMessages renders the context as gateway messages, system prompt first.
func (tc TurnContext) ModelMessages() []gateway.Message {
	out := make([]gateway.Message, 0, len(tc.Messages)+1)
	if strings.TrimSpace(tc.SystemPrompt) != "" {
		out = append(out, gateway.Message{Role: gateway.RoleSystem, Content: tc.SystemPrompt})
	}
	return append(out, ToModelMessages(tc.Messages)...)
}

type Builder struct {
	src   MessageSource
	sum   Summarizer
	cache cache.Store
	log   *slog.Logger

	systemPrompt     string
	historyLimit     int
	maxContextTokens int
	reserveTokens    int
	summaryMaxTokens int
}

func NewBuilder(opts Options) (*Builder, error) {
	if opts.Source == nil {
		return nil, errors.New("missing message source")
	}
	b := &Builder{
		src:              opts.Source,
		sum:              opts.Summarizer,
		cache:            opts.Cache,
		log:              opts.Logger,
		systemPrompt:     strings.TrimSpace(opts.SystemPrompt),
		historyLimit:     opts.HistoryLimit,
		maxContextTokens: opts.MaxContextTokens,
		reserveTokens:    opts.ReserveTokens,
		summaryMaxTokens: opts.SummaryMaxTokens,
	}
	if b.sum == nil {
		b.sum = ExtractiveSummarizer{}
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.historyLimit <= 0 {
		b.historyLimit = defaultHistoryLimit
	}
	if b.maxContextTokens <= 0 {
		b.maxContextTokens = defaultMaxContextTokens
	}
	if b.reserveTokens <= 0 {
		b.reserveTokens = defaultReserveTokens
	}
	if b.summaryMaxTokens <= 0 {
		b.summaryMaxTokens = defaultSummaryMaxTokens
	}
	if b.reserveTokens >= b.maxContextTokens {
		return nil, errors.New("reserve tokens must be below max context tokens")
	}
	return b, nil
}

// Budget is the token allowance for system prompt plus messages.
func (b *Builder) Budget() int {
	return b.maxContextTokens - b.reserveTokens
}

// Build loads recent history for conversationID and fits it to the budget.
// Repeated calls with no intervening appends select the same window.
func (b *Builder) Build(ctx context.Context, conversationID string, model string) (TurnContext, error) {
	msgs, err := b.src.GetMessages(ctx, conversationID, b.historyLimit, "")
	if err != nil {
		return TurnContext{}, err
	}

	tc := TurnContext{
		ConversationID: conversationID,
		Model:          model,
		SystemPrompt:   b.systemPrompt,
		TokenBudget:    b.Budget(),
	}

	kept, evicted := b.Optimize(b.systemPrompt, msgs)
	for len(evicted) > 0 {
		summary := b.summarize(ctx, evicted)
		system := b.systemPrompt
		if summary != "" {
			system += summaryHeader + summary
		}
		if b.estimate(system, kept) <= tc.TokenBudget || len(kept) == 0 {
			tc.SystemPrompt = system
			tc.Summary = summary
			break
		}
		// The summary came out larger than estimated; give up one more message.
		evicted = append(evicted, kept[0])
		kept = dropLeadingToolResults(kept[1:], &evicted)
	}

	tc.Messages = kept
	tc.Evicted = len(evicted)
	tc.EstimatedTokens = b.estimate(tc.SystemPrompt, kept)
	if tc.Evicted > 0 {
		b.log.Debug("context optimized",
			"conversation_id", conversationID,
			"kept", len(kept),
			"evicted", tc.Evicted,
			"estimated_tokens", tc.EstimatedTokens,
			"budget", tc.TokenBudget,
		)
	}
	return tc, nil
}

// Optimize selects the newest messages that fit the budget after reserving
// room for the system prompt and a summary. When everything fits only tool
// results left at the head of the window by the history limit are evicted.
// evicted is returned in stored order.
func (b *Builder) Optimize(systemPrompt string, msgs []convstore.Message) (kept []convstore.Message, evicted []convstore.Message) {
	budget := b.Budget()
	if b.estimate(systemPrompt, msgs) <= budget {
		kept = dropLeadingToolResults(msgs, &evicted)
		return kept, evicted
	}

	available := budget - EstimateTokens(systemMessage(systemPrompt+summaryHeader)) - b.summaryMaxTokens
	start := len(msgs)
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := EstimateTokens(ToModelMessage(msgs[i]))
		if used+cost > available {
			break
		}
		used += cost
		start = i
	}

	evicted = append([]convstore.Message(nil), msgs[:start]...)
	kept = dropLeadingToolResults(msgs[start:], &evicted)
	return kept, evicted
}

// dropLeadingToolResults moves tool-role messages at the head of the window
// to evicted; their assistant tool call is no longer in context.
func dropLeadingToolResults(kept []convstore.Message, evicted *[]convstore.Message) []convstore.Message {
	for len(kept) > 0 && kept[0].Role == convstore.RoleTool {
		*evicted = append(*evicted, kept[0])
		kept = kept[1:]
	}
	return kept
}

func systemMessage(prompt string) gateway.Message {
	return gateway.Message{Role: gateway.RoleSystem, Content: prompt}
}

func (b *Builder) estimate(systemPrompt string, msgs []convstore.Message) int {
	total := 0
	if systemPrompt != "" {
		total += EstimateTokens(systemMessage(systemPrompt))
	}
	for i := range msgs {
		total += EstimateTokens(ToModelMessage(msgs[i]))
	}
	return total
}

// summarize returns the (cached) summary of evicted, capped to the summary budget.
// A failing summarizer falls back to the extractive digest.
func (b *Builder) summarize(ctx context.Context, evicted []convstore.Message) string {
	key := summaryKey(evicted)
	if b.cache != nil {
		var cached string
		ok, err := cache.Load(ctx, b.cache, key, &cached)
		if err != nil {
			b.log.Warn("summary cache read failed", "key", key, "error", err)
		} else if ok {
			return cached
		}
	}

	summary, err := b.sum.Summarize(ctx, evicted)
	if err != nil || strings.TrimSpace(summary) == "" {
		if err != nil {
			b.log.Warn("summarizer failed; using extractive digest", "error", err)
		}
		summary = extractiveDigest(evicted)
	}
	summary = capRunesToBytes(strings.TrimSpace(summary), b.summaryMaxTokens*4)

	if b.cache != nil {
		if err := cache.Save(ctx, b.cache, key, summary, summaryCacheTTL); err != nil {
			b.log.Warn("summary cache write failed", "key", key, "error", err)
		}
	}
	return summary
}

// summaryKey is summary:{blake3(ids of evicted messages)}.
func summaryKey(evicted []convstore.Message) string {
	h := blake3.New()
	for _, m := range evicted {
		_, _ = h.Write([]byte(m.ID))
		_, _ = h.Write([]byte{0})
	}
	return "summary:" + hex.EncodeToString(h.Sum(nil))
}

func capRunesToBytes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
