package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/floegence/turnengine/internal/ai/errs"
	"github.com/floegence/turnengine/internal/metrics"
)

const (
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderAnthropic        = "anthropic"
)

// backend is one provider's payload translation. It performs exactly one
// upstream attempt; Client owns retries.
type backend interface {
	call(ctx context.Context, msgs []Message, tools []ToolDef, opts Options) (Response, error)
	stream(ctx context.Context, msgs []Message, tools []ToolDef, opts Options, acc *accumulator, emit func(Delta)) error
	// statusOf extracts the HTTP status and message from a provider API error.
	statusOf(err error) (int, string, bool)
}

type Config struct {
	// ProviderID labels errors, logs and metrics.
	ProviderID string
	// Type is "openai", "openai_compatible" or "anthropic".
	Type    string
	BaseURL string
	APIKey  string

	Retry          RetryPolicy
	RequestTimeout time.Duration
	HTTPClient     *http.Client

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Client implements Gateway for one configured provider.
type Client struct {
	provider string
	b        backend
	retry    RetryPolicy
	timeout  time.Duration
	log      *slog.Logger
	met      metrics.Collector
}

var _ Gateway = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	typ := strings.ToLower(strings.TrimSpace(cfg.Type))
	var b backend
	switch typ {
	case ProviderOpenAI, ProviderOpenAICompatible:
		b = newOpenAIBackend(cfg)
	case ProviderAnthropic:
		b = newAnthropicBackend(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
	return newClient(cfg, b), nil
}

func newClient(cfg Config, b backend) *Client {
	provider := strings.TrimSpace(cfg.ProviderID)
	if provider == "" {
		provider = strings.TrimSpace(cfg.Type)
	}
	c := &Client{
		provider: provider,
		b:        b,
		retry:    cfg.Retry.withDefaults(),
		timeout:  cfg.RequestTimeout,
		log:      cfg.Logger,
		met:      metrics.OrNop(cfg.Metrics),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

func (c *Client) Provider() string { return c.provider }

func (c *Client) Call(ctx context.Context, msgs []Message, tools []ToolDef, opts Options) (Response, error) {
	if err := validateRequest(msgs, opts); err != nil {
		return Response{}, err
	}
	var resp Response
	err := c.attempt(ctx, "batch", func(ctx context.Context) (bool, error) {
		r, err := c.b.call(ctx, msgs, tools, opts)
		if err != nil {
			return true, err
		}
		resp = normalizeResponse(r)
		return true, nil
	})
	return resp, err
}

// StreamCall retries only until the first delta reached onDelta; after that
// a failure is returned immediately so chunks are never duplicated.
func (c *Client) StreamCall(ctx context.Context, msgs []Message, tools []ToolDef, opts Options, onDelta func(Delta)) (Response, error) {
	if err := validateRequest(msgs, opts); err != nil {
		return Response{}, err
	}
	delivered := false
	emit := func(d Delta) {
		delivered = true
		if onDelta != nil {
			onDelta(d)
		}
	}
	var resp Response
	err := c.attempt(ctx, "stream", func(ctx context.Context) (bool, error) {
		acc := newAccumulator()
		if err := c.b.stream(ctx, msgs, tools, opts, acc, emit); err != nil {
			return !delivered, err
		}
		resp = acc.response()
		return true, nil
	})
	return resp, err
}

// attempt runs fn under the retry policy. fn reports whether a failure may
// be retried at all.
func (c *Client) attempt(ctx context.Context, mode string, fn func(ctx context.Context) (bool, error)) error {
	start := c.retry.Clock.Now()
	defer func() {
		c.met.Observe(metrics.ModelCallDuration, c.retry.Clock.Now().Sub(start), "provider", c.provider, "mode", mode)
	}()
	c.met.Inc(metrics.ModelCallsTotal, "provider", c.provider, "mode", mode)

	var last failure
	for n := 1; n <= c.retry.MaxAttempts; n++ {
		actx, cancel := c.attemptContext(ctx)
		mayRetry, err := fn(actx)
		cancel()
		if err == nil {
			return nil
		}

		last = classify(ctx, err, c.b.statusOf)
		if !last.retryable || !mayRetry || n == c.retry.MaxAttempts {
			return c.upstreamError(last, n)
		}

		d := c.retry.Delay(n)
		c.met.Inc(metrics.ModelRetriesTotal, "provider", c.provider)
		c.log.Warn("model call failed; retrying",
			"provider", c.provider,
			"mode", mode,
			"attempt", n,
			"status", last.status,
			"delay", d.String(),
			"error", last.message,
		)
		if err := c.retry.sleep(ctx, d); err != nil {
			return c.upstreamError(failure{message: err.Error(), err: err}, n)
		}
	}
	return c.upstreamError(last, c.retry.MaxAttempts)
}

func (c *Client) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) upstreamError(f failure, attempts int) error {
	return &errs.UpstreamError{
		Provider:   c.provider,
		StatusCode: f.status,
		Attempts:   attempts,
		Message:    f.message,
		Err:        f.err,
	}
}

func validateRequest(msgs []Message, opts Options) error {
	if strings.TrimSpace(opts.Model) == "" {
		return errs.Invalid("model", "must not be empty")
	}
	if len(msgs) == 0 {
		return errs.Invalid("messages", "must not be empty")
	}
	return nil
}
