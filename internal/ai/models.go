package ai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/floegence/turnengine/internal/ai/errs"
	"github.com/floegence/turnengine/internal/ai/gateway"
	"github.com/floegence/turnengine/internal/config"
	"github.com/floegence/turnengine/internal/metrics"
)

// ModelResolver maps a model wire id to a gateway and the upstream model name.
type ModelResolver interface {
	Resolve(ctx context.Context, modelID string) (gateway.Gateway, string, error)
}

// KeySource resolves a provider API key.
type KeySource interface {
	Resolve(p config.Provider) (string, error)
}

type RouterOptions struct {
	Config     *config.Config
	Keys       KeySource
	Retry      gateway.RetryPolicy
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    metrics.Collector
}

// ModelRouter builds one gateway client per configured provider on first use.
type ModelRouter struct {
	opts RouterOptions

	mu      sync.Mutex
	clients map[string]*gateway.Client
}

var _ ModelResolver = (*ModelRouter)(nil)

func NewModelRouter(opts RouterOptions) (*ModelRouter, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("missing config")
	}
	if opts.Keys == nil {
		return nil, fmt.Errorf("missing key source")
	}
	return &ModelRouter{opts: opts, clients: make(map[string]*gateway.Client)}, nil
}

func (r *ModelRouter) Resolve(_ context.Context, modelID string) (gateway.Gateway, string, error) {
	p, model, err := r.opts.Config.ResolveModel(modelID)
	if err != nil {
		return nil, "", errs.Invalid("model", "%s", err.Error())
	}
	id := strings.TrimSpace(p.ID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.clients[id]; c != nil {
		return c, model, nil
	}
	key, err := r.opts.Keys.Resolve(p)
	if err != nil {
		return nil, "", err
	}
	c, err := gateway.New(gateway.Config{
		ProviderID:     id,
		Type:           p.Type,
		BaseURL:        p.BaseURL,
		APIKey:         key,
		Retry:          r.opts.Retry,
		RequestTimeout: r.opts.Timeout,
		HTTPClient:     r.opts.HTTPClient,
		Logger:         r.opts.Logger,
		Metrics:        r.opts.Metrics,
	})
	if err != nil {
		return nil, "", fmt.Errorf("provider %s: %w", id, err)
	}
	r.clients[id] = c
	return c, model, nil
}

// Forget drops a cached client, e.g. after its API key changed.
func (r *ModelRouter) Forget(providerID string) {
	r.mu.Lock()
	delete(r.clients, strings.TrimSpace(providerID))
	r.mu.Unlock()
}
