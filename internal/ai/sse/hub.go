package sse

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/floegence/turnengine/internal/clock"
	"github.com/floegence/turnengine/internal/metrics"
)

const defaultBuffer = 256

type HubOptions struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics metrics.Collector
	// Buffer is the per-subscriber queue length.
	Buffer int
}

// Hub is one logical push channel per conversation id.
type Hub struct {
	mu     sync.Mutex
	byConv map[string]map[*Subscription]struct{}

	clk    clock.Clock
	log    *slog.Logger
	met    metrics.Collector
	buffer int
}

var _ Emitter = (*Hub)(nil)

func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		byConv: make(map[string]map[*Subscription]struct{}),
		clk:    clock.OrReal(opts.Clock),
		log:    opts.Logger,
		met:    metrics.OrNop(opts.Metrics),
		buffer: opts.Buffer,
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.buffer <= 0 {
		h.buffer = defaultBuffer
	}
	return h
}

// Subscription receives events for one conversation until Close.
type Subscription struct {
	hub    *Hub
	convID string
	ch     chan Event

	once sync.Once
	done chan struct{}
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed after Close.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) ConversationID() string { return s.convID }

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

func (h *Hub) Subscribe(conversationID string) *Subscription {
	id := strings.TrimSpace(conversationID)
	sub := &Subscription{
		hub:    h,
		convID: id,
		ch:     make(chan Event, h.buffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	set := h.byConv[id]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.byConv[id] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byConv[sub.convID]
	if set == nil {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.byConv, sub.convID)
	}
}

// Subscribers returns the live subscriber count for a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byConv[strings.TrimSpace(conversationID)])
}

func (h *Hub) Emit(conversationID string, eventType string, data any) {
	if h == nil {
		return
	}
	ev := h.NewEvent(conversationID, eventType, data)
	h.Publish(ev)
}

// NewEvent stamps an envelope with the hub clock.
func (h *Hub) NewEvent(conversationID string, eventType string, data any) Event {
	return Event{
		Type:           eventType,
		Data:           data,
		Timestamp:      h.clk.Now().UnixMilli(),
		ConversationID: strings.TrimSpace(conversationID),
	}
}

// Publish delivers ev to every subscriber of its conversation. Subscribers
// with a full queue miss the event.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.byConv[ev.ConversationID]))
	for sub := range h.byConv[ev.ConversationID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		case sub.ch <- ev:
		default:
			h.met.Inc(metrics.EventsDroppedTotal, "type", ev.Type)
			h.log.Warn("sse subscriber queue full; dropping event",
				"conversation_id", ev.ConversationID,
				"type", ev.Type,
			)
		}
	}
}
