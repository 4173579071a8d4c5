package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/floegence/turnengine/internal/ai"
	"github.com/floegence/turnengine/internal/ai/contextpack"
	"github.com/floegence/turnengine/internal/ai/convstore"
	"github.com/floegence/turnengine/internal/ai/gateway"
	"github.com/floegence/turnengine/internal/ai/sse"
	"github.com/floegence/turnengine/internal/ai/tools"
	"github.com/floegence/turnengine/internal/cache"
	"github.com/floegence/turnengine/internal/clock"
	"github.com/floegence/turnengine/internal/config"
	"github.com/floegence/turnengine/internal/lockfile"
	"github.com/floegence/turnengine/internal/metrics"
	"github.com/floegence/turnengine/internal/ratelimit"
	"github.com/floegence/turnengine/internal/settings"
)

const cacheSweepInterval = time.Minute

// runtime owns everything a turn needs. Both serve and chat build one.
type runtime struct {
	cfg  *config.Config
	log  *slog.Logger
	clk  clock.Clock
	lock *lockfile.Lock

	repo   *convstore.Repository
	kv     cache.Store
	reg    *metrics.Registry
	hub    *sse.Hub
	store  *convstore.Store
	router *ai.ModelRouter
	engine *ai.Engine
}

func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, log: logger, clk: clock.Real()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if rt.lock, err = lockfile.AcquireDir(cfg.DataDir); err != nil {
		return nil, dataDirLockError(cfg.DataDir, err)
	}
	if rt.repo, err = convstore.OpenRepository(cfg.Storage.Driver, cfg.Storage.DSN); err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	if rt.kv, err = cache.Open(cfg.Cache.Backend, cfg.Cache.Path, rt.clk); err != nil {
		return nil, fmt.Errorf("open %s cache: %w", cfg.Cache.Backend, err)
	}
	rt.reg = metrics.NewRegistry()

	rt.store, err = convstore.New(convstore.Options{
		Repo:            rt.repo,
		Cache:           rt.kv,
		Clock:           rt.clk,
		Logger:          logger,
		Metrics:         rt.reg,
		ConversationTTL: cfg.Cache.ConversationTTL.D(),
		RecentTTL:       cfg.Cache.RecentMessagesTTL.D(),
		RecentWindow:    cfg.Cache.RecentWindow,
	})
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(ratelimit.Options{
		Store:       rt.kv,
		Clock:       rt.clk,
		Logger:      logger,
		Window:      cfg.Admission.Window.D(),
		MaxRequests: cfg.Admission.MaxRequests,
		FailOpen:    cfg.Admission.FailOpen,
		Trusted:     cfg.Admission.TrustedClients,
	})
	if err != nil {
		return nil, err
	}

	rt.router, err = ai.NewModelRouter(ai.RouterOptions{
		Config: cfg,
		Keys:   settings.NewKeyStore(cfg.SecretsPath),
		Retry: gateway.RetryPolicy{
			MaxAttempts: cfg.Model.MaxAttempts,
			BaseDelay:   cfg.Model.BaseDelay.D(),
			MaxDelay:    cfg.Model.MaxDelay.D(),
			Clock:       rt.clk,
		},
		Timeout: cfg.Model.RequestTimeout.D(),
		Logger:  logger,
		Metrics: rt.reg,
	})
	if err != nil {
		return nil, err
	}

	builder, err := contextpack.NewBuilder(contextpack.Options{
		Source:           rt.store,
		Summarizer:       rt.summarizer(ctx),
		Cache:            rt.kv,
		Logger:           logger,
		SystemPrompt:     cfg.Context.SystemPrompt,
		HistoryLimit:     cfg.Context.HistoryLimit,
		MaxContextTokens: cfg.Context.MaxContextTokens,
		ReserveTokens:    cfg.Context.ReserveTokens,
		SummaryMaxTokens: cfg.Context.SummaryMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, rt.clk); err != nil {
		return nil, err
	}
	if unknown := registry.Retain(cfg.Tools.Enabled); len(unknown) > 0 {
		return nil, fmt.Errorf("tools.enabled names unknown tools: %s", strings.Join(unknown, ", "))
	}

	rt.hub = sse.NewHub(sse.HubOptions{Clock: rt.clk, Logger: logger, Metrics: rt.reg})

	rt.engine, err = ai.New(ai.Options{
		Store:        rt.store,
		Context:      builder,
		Models:       rt.router,
		Admission:    limiter,
		Tools:        registry,
		Events:       rt.hub,
		Clock:        rt.clk,
		Logger:       logger,
		Metrics:      rt.reg,
		Temperature:  cfg.Model.Temperature,
		MaxTokens:    cfg.Model.MaxTokens,
		DisableTools: cfg.Tools.Disabled,
	})
	if err != nil {
		return nil, err
	}

	if b, ok := rt.kv.(*cache.Bolt); ok {
		go rt.sweepLoop(ctx, b)
	}
	return rt, nil
}

// summarizer uses the default model when configured, and the extractive
// digest otherwise or when the default model cannot be resolved.
func (rt *runtime) summarizer(ctx context.Context) contextpack.Summarizer {
	if rt.cfg.Context.Summarizer != "model" {
		return contextpack.ExtractiveSummarizer{}
	}
	gw, model, err := rt.router.Resolve(ctx, "")
	if err != nil {
		rt.log.Warn("model summarizer unavailable; using extractive digest", "error", err)
		return contextpack.ExtractiveSummarizer{}
	}
	return contextpack.ModelSummarizer{Caller: gw, Model: model, MaxTokens: rt.cfg.Context.SummaryMaxTokens}
}

func (rt *runtime) sweepLoop(ctx context.Context, b *cache.Bolt) {
	t := rt.clk.NewTicker(cacheSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			n, err := b.Sweep(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, cache.ErrClosed) {
					rt.log.Warn("cache sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				rt.log.Debug("cache sweep", "removed", n)
			}
		}
	}
}

func (rt *runtime) Close() {
	if rt == nil {
		return
	}
	if rt.kv != nil {
		_ = rt.kv.Close()
	}
	if rt.repo != nil {
		_ = rt.repo.Close()
	}
	if rt.lock != nil {
		_ = rt.lock.Release()
	}
}

// jwtSecret reads the bearer secret from the configured env var. An env var
// that is named but unset is an error.
func jwtSecret(cfg *config.Config) ([]byte, error) {
	name := strings.TrimSpace(cfg.Auth.JWTSecretEnv)
	if name == "" {
		return nil, nil
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil, fmt.Errorf("auth.jwt_secret_env: %s is not set", name)
	}
	return []byte(v), nil
}

func dataDirLockError(dataDir string, err error) error {
	var held *lockfile.LockedError
	if errors.As(err, &held) && held.PID > 0 {
		return fmt.Errorf("data dir %s is in use by turnengine pid %d; stop it or configure another data_dir: %w", dataDir, held.PID, err)
	}
	return fmt.Errorf("lock data dir: %w", err)
}
