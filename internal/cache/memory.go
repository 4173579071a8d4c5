package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/floegence/turnengine/internal/clock"
)

type memEntry struct {
	val       []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store. Expired entries are dropped lazily.
type Memory struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]memEntry
	closed  bool
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clk: clock.OrReal(clk), entries: make(map[string]memEntry)}
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clk.Now().Add(ttl)
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if e.expired(m.clk.Now()) {
		delete(m.entries, key)
		return nil, ErrMiss
	}
	return append([]byte(nil), e.val...), nil
}

func (m *Memory) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[key] = memEntry{val: append([]byte(nil), val...), expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	now := m.clk.Now()
	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		m.entries[key] = memEntry{val: []byte("1"), expiresAt: m.expiry(ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(string(e.val), 10, 64)
	if err != nil {
		return 0, ErrNotCounter
	}
	n++
	e.val = []byte(strconv.FormatInt(n, 10))
	m.entries[key] = e
	return n, nil
}

// Len reports live entries. Expired-but-unswept entries are counted.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}
