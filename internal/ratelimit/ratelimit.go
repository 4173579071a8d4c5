// Package ratelimit implements fixed-window admission control over cache counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/turnengine/internal/cache"
	"github.com/floegence/turnengine/internal/clock"
)

// ErrStoreUnavailable wraps counter store failures when failing closed.
var ErrStoreUnavailable = errors.New("admission counter store unavailable")

type Options struct {
	Store       cache.Store
	Clock       clock.Clock
	Logger      *slog.Logger
	Window      time.Duration
	MaxRequests int

	// FailOpen admits requests when the counter store errors.
	FailOpen bool

	// Trusted client ids bypass the limiter.
	Trusted []string
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
	Bypassed   bool
}

type Limiter struct {
	store    cache.Store
	clk      clock.Clock
	log      *slog.Logger
	window   time.Duration
	max      int
	failOpen bool
	trusted  map[string]struct{}
}

func New(opts Options) (*Limiter, error) {
	if opts.Store == nil {
		return nil, errors.New("missing counter store")
	}
	// Windows are keyed by whole milliseconds.
	if opts.Window < time.Millisecond {
		return nil, fmt.Errorf("invalid window %s (must be at least 1ms)", opts.Window)
	}
	if opts.MaxRequests <= 0 {
		return nil, fmt.Errorf("invalid max requests %d", opts.MaxRequests)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	trusted := make(map[string]struct{}, len(opts.Trusted))
	for _, id := range opts.Trusted {
		if id = strings.TrimSpace(id); id != "" {
			trusted[id] = struct{}{}
		}
	}
	return &Limiter{
		store:    opts.Store,
		clk:      clock.OrReal(opts.Clock),
		log:      log,
		window:   opts.Window,
		max:      opts.MaxRequests,
		failOpen: opts.FailOpen,
		trusted:  trusted,
	}, nil
}

// Check counts one request for clientID in the current window. trusted
// callers are admitted without touching the counter.
func (l *Limiter) Check(ctx context.Context, clientID string, trusted bool) (Decision, error) {
	if l == nil {
		return Decision{Allowed: true, Bypassed: true}, nil
	}
	clientID = strings.TrimSpace(clientID)
	if trusted {
		return Decision{Allowed: true, Limit: l.max, Bypassed: true}, nil
	}
	if _, ok := l.trusted[clientID]; ok {
		return Decision{Allowed: true, Limit: l.max, Bypassed: true}, nil
	}
	if clientID == "" {
		clientID = "anonymous"
	}

	now := l.clk.Now()
	windowMs := l.window.Milliseconds()
	bucket := now.UnixMilli() / windowMs
	key := fmt.Sprintf("ratelimit:%s:%d", clientID, bucket)

	n, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		if l.failOpen {
			l.log.Warn("admission counter failed; admitting", "client_id", clientID, "error", err)
			return Decision{Allowed: true, Limit: l.max}, nil
		}
		l.log.Error("admission counter failed; rejecting", "client_id", clientID, "error", err)
		return Decision{Allowed: false, Limit: l.max}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	d := Decision{Allowed: n <= int64(l.max), Count: n, Limit: l.max}
	if !d.Allowed {
		windowEnd := time.UnixMilli((bucket + 1) * windowMs)
		d.RetryAfter = windowEnd.Sub(now)
	}
	return d, nil
}
