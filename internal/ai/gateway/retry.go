package gateway

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/floegence/turnengine/internal/clock"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 8 * time.Second
)

// RetryPolicy is exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Clock       clock.Clock
	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	p.Clock = clock.OrReal(p.Clock)
	if p.Jitter == nil {
		p.Jitter = rand.Float64
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based): half the
// capped exponential step plus up to another half of random jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	return half + time.Duration(p.Jitter()*float64(d-half))
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.Clock.After(d):
		return nil
	}
}

// RetryableStatus reports whether an HTTP status is retried.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// failure is a classified upstream error.
type failure struct {
	status    int
	message   string
	retryable bool
	err       error
}

// classify maps err to a failure. statusOf extracts (status, message) from
// a provider API error and reports whether err was one.
func classify(ctx context.Context, err error, statusOf func(error) (int, string, bool)) failure {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failure{err: err, message: err.Error()}
	}
	if code, msg, ok := statusOf(err); ok {
		return failure{status: code, message: msg, retryable: RetryableStatus(code), err: err}
	}
	// No HTTP status: connection reset, DNS, truncated stream, ...
	return failure{message: err.Error(), retryable: true, err: err}
}
