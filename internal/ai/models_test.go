package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/floegence/turnengine/internal/ai/errs"
	"github.com/floegence/turnengine/internal/config"
	"github.com/floegence/turnengine/internal/settings"
)

type mapKeys map[string]string

func (m mapKeys) Resolve(p config.Provider) (string, error) {
	if k, ok := m[p.ID]; ok {
		return k, nil
	}
	return "", settings.ErrAPIKeyMissing
}

func routerConfig() *config.Config {
	return &config.Config{Providers: []config.Provider{
		{ID: "openai", Type: config.ProviderTypeOpenAI, Models: []config.ProviderModel{{ModelName: "gpt-4o-mini", IsDefault: true}}},
		{ID: "claude", Type: config.ProviderTypeAnthropic, Models: []config.ProviderModel{{ModelName: "claude-3-5-haiku-latest"}}},
	}}
}

func TestModelRouter_Resolve(t *testing.T) {
	t.Parallel()

	r, err := NewModelRouter(RouterOptions{Config: routerConfig(), Keys: mapKeys{"openai": "sk-test"}, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewModelRouter: %v", err)
	}
	ctx := context.Background()

	gw, model, err := r.Resolve(ctx, "")
	if err != nil {
		t.Fatalf("Resolve default: %v", err)
	}
	if gw.Provider() != "openai" || model != "gpt-4o-mini" {
		t.Fatalf("resolved %s/%s", gw.Provider(), model)
	}
	again, _, err := r.Resolve(ctx, "openai/gpt-4o-mini")
	if err != nil || again != gw {
		t.Fatalf("client should be reused: err=%v", err)
	}

	if _, _, err := r.Resolve(ctx, "openai/gpt-5-ultra"); errs.Code(err) != "validation_error" {
		t.Fatalf("unlisted model err=%v", err)
	}
	if _, _, err := r.Resolve(ctx, "claude/claude-3-5-haiku-latest"); !errors.Is(err, settings.ErrAPIKeyMissing) {
		t.Fatalf("missing key err=%v", err)
	}
}
