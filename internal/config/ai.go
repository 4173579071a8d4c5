package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

const (
	ProviderTypeOpenAI           = "openai"
	ProviderTypeOpenAICompatible = "openai_compatible"
	ProviderTypeAnthropic        = "anthropic"
)

type Provider struct {
	// ID is a stable internal id. It prefixes model ids: <id>/<model_name>.
	ID string `json:"id" yaml:"id"`

	// Name is a human-friendly display name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type" yaml:"type"`

	// BaseURL overrides the provider endpoint (example: "https://api.openai.com/v1").
	// When empty, provider defaults apply (except openai_compatible where base_url is required).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// APIKeyEnv names the env var carrying the API key. When unset or empty the
	// key is looked up in the secrets file under the provider id.
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`

	Models []ProviderModel `json:"models,omitempty" yaml:"models,omitempty"`
}

type ProviderModel struct {
	ModelName string `json:"model_name" yaml:"model_name"`

	// IsDefault marks the single default model across all providers.
	IsDefault bool `json:"is_default,omitempty" yaml:"is_default,omitempty"`
}

// APIKeyFromEnv returns the key from the configured env var, if any.
func (p Provider) APIKeyFromEnv() (string, bool) {
	name := strings.TrimSpace(p.APIKeyEnv)
	if name == "" {
		return "", false
	}
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

func validateProviders(providers []Provider) error {
	if len(providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(providers))
	defaultCount := 0
	for i := range providers {
		p := providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeOpenAICompatible:
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == ProviderTypeOpenAICompatible && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			m := p.Models[j]
			name := strings.TrimSpace(m.ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if strings.Contains(name, "/") {
				return fmt.Errorf("providers[%d].models[%d]: invalid model_name %q (must not contain /)", i, j, name)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			modelNames[name] = struct{}{}
			if m.IsDefault {
				defaultCount++
			}
		}
	}

	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}
	return nil
}

// DefaultModelID returns the default model wire id (<provider_id>/<model_name>).
//
// It assumes Validate() has passed. When config is invalid/incomplete, it returns ("", false).
func (c *Config) DefaultModelID() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, p := range c.Providers {
		pid := strings.TrimSpace(p.ID)
		if pid == "" {
			continue
		}
		for _, m := range p.Models {
			if !m.IsDefault {
				continue
			}
			if mn := strings.TrimSpace(m.ModelName); mn != "" {
				return pid + "/" + mn, true
			}
		}
	}
	return "", false
}

// ResolveModel splits a model wire id into its provider and model name.
// An empty id resolves to the default model. Ids must be on the allow-list.
func (c *Config) ResolveModel(modelID string) (Provider, string, error) {
	if c == nil {
		return Provider{}, "", errors.New("nil config")
	}
	raw := strings.TrimSpace(modelID)
	if raw == "" {
		def, ok := c.DefaultModelID()
		if !ok {
			return Provider{}, "", errors.New("no default model configured")
		}
		raw = def
	}
	pid, mn, ok := strings.Cut(raw, "/")
	pid = strings.TrimSpace(pid)
	mn = strings.TrimSpace(mn)
	if !ok || pid == "" || mn == "" {
		return Provider{}, "", fmt.Errorf("invalid model id %q (want <provider>/<model>)", modelID)
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) != pid {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == mn {
				return p, mn, nil
			}
		}
		return Provider{}, "", fmt.Errorf("model %q is not configured for provider %q", mn, pid)
	}
	return Provider{}, "", fmt.Errorf("unknown provider %q", pid)
}
