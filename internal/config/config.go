package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for turnengine.
//
// NOTE: API keys are never read from this file. They resolve from
// providers[].api_key_env or from the secrets file at SecretsPath.
type Config struct {
	// DataDir holds the sqlite database, the bolt cache and the process lock.
	// Defaults to ~/.turnengine.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`

	// SecretsPath defaults to <data_dir>/secrets.json.
	SecretsPath string `json:"secrets_path,omitempty" yaml:"secrets_path,omitempty"`

	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Admission AdmissionConfig `json:"admission" yaml:"admission"`
	Context   ContextConfig   `json:"context" yaml:"context"`
	Model     ModelConfig     `json:"model" yaml:"model"`
	Tools     ToolsConfig     `json:"tools" yaml:"tools"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`

	Providers []Provider `json:"providers" yaml:"providers"`
}

type ServerConfig struct {
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
	// SSEKeepAlive is the interval between ": keep-alive" comment frames.
	SSEKeepAlive Duration `json:"sse_keepalive,omitempty" yaml:"sse_keepalive,omitempty"`
	// SSERetry is advertised to clients as the reconnection delay.
	SSERetry Duration `json:"sse_retry,omitempty" yaml:"sse_retry,omitempty"`
}

type LogConfig struct {
	// Format is "json" or "text".
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	// Level is "debug|info|warn|error".
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

type StorageConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	// DSN is a file path for sqlite or a connection string for postgres.
	// Defaults to <data_dir>/conversations.sqlite.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

type CacheConfig struct {
	// Backend is "memory" (default) or "bolt".
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	// Path is the bolt file. Defaults to <data_dir>/cache.bolt.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	ConversationTTL   Duration `json:"conversation_ttl,omitempty" yaml:"conversation_ttl,omitempty"`
	RecentMessagesTTL Duration `json:"recent_messages_ttl,omitempty" yaml:"recent_messages_ttl,omitempty"`
	// RecentWindow is how many trailing messages the recent-messages entry holds.
	RecentWindow int `json:"recent_window,omitempty" yaml:"recent_window,omitempty"`
}

type AdmissionConfig struct {
	Window      Duration `json:"window,omitempty" yaml:"window,omitempty"`
	MaxRequests int      `json:"max_requests,omitempty" yaml:"max_requests,omitempty"`

	// FailOpen admits turns when the counter store is unreachable.
	// Defaults to false: a broken counter store rejects turns.
	FailOpen bool `json:"fail_open,omitempty" yaml:"fail_open,omitempty"`

	// TrustedClients bypass admission control entirely.
	TrustedClients []string `json:"trusted_clients,omitempty" yaml:"trusted_clients,omitempty"`
}

type ContextConfig struct {
	SystemPrompt     string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	HistoryLimit     int    `json:"history_limit,omitempty" yaml:"history_limit,omitempty"`
	MaxContextTokens int    `json:"max_context_tokens,omitempty" yaml:"max_context_tokens,omitempty"`
	ReserveTokens    int    `json:"reserve_tokens,omitempty" yaml:"reserve_tokens,omitempty"`
	SummaryMaxTokens int    `json:"summary_max_tokens,omitempty" yaml:"summary_max_tokens,omitempty"`
	// Summarizer is "model" (default) or "extractive".
	Summarizer string `json:"summarizer,omitempty" yaml:"summarizer,omitempty"`
}

type ModelConfig struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	MaxAttempts    int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelay      Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay       Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	RequestTimeout Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
}

type ToolsConfig struct {
	// Enabled lists builtin tools exposed to the model. Empty means all builtins.
	Enabled []string `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	// Disabled turns off tool use for every turn.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

type AuthConfig struct {
	// JWTSecretEnv names the env var holding the HS256 secret for bearer tokens.
	// When empty, clients identify via X-Client-ID.
	JWTSecretEnv string `json:"jwt_secret_env,omitempty" yaml:"jwt_secret_env,omitempty"`
}

const (
	defaultListen            = "127.0.0.1:8080"
	defaultSSEKeepAlive      = 15 * time.Second
	defaultSSERetry          = 3 * time.Second
	defaultConversationTTL   = 5 * time.Minute
	defaultRecentMessagesTTL = 30 * time.Second
	defaultRecentWindow      = 50
	defaultAdmissionWindow   = time.Minute
	defaultAdmissionMax      = 30
	defaultHistoryLimit      = 50
	defaultMaxContextTokens  = 128000
	defaultReserveTokens     = 4096
	defaultSummaryMaxTokens  = 1024
	defaultMaxOutputTokens   = 4096
	defaultMaxAttempts       = 3
	defaultBaseDelay         = 500 * time.Millisecond
	defaultMaxDelay          = 8 * time.Second
	defaultRequestTimeout    = 2 * time.Minute

	DefaultSystemPrompt = "You are a helpful assistant. Use the provided tools when they help answer the user."
)

// ApplyDefaults fills unset fields. It never overrides explicit values.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir()
	}
	c.DataDir = filepath.Clean(expandHome(c.DataDir))
	if strings.TrimSpace(c.SecretsPath) == "" {
		c.SecretsPath = filepath.Join(c.DataDir, "secrets.json")
	}

	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = defaultListen
	}
	if c.Server.SSEKeepAlive <= 0 {
		c.Server.SSEKeepAlive = Duration(defaultSSEKeepAlive)
	}
	if c.Server.SSERetry <= 0 {
		c.Server.SSERetry = Duration(defaultSSERetry)
	}

	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Storage.DSN) == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = filepath.Join(c.DataDir, "conversations.sqlite")
	}

	if strings.TrimSpace(c.Cache.Backend) == "" {
		c.Cache.Backend = "memory"
	}
	if strings.TrimSpace(c.Cache.Path) == "" {
		c.Cache.Path = filepath.Join(c.DataDir, "cache.bolt")
	}
	if c.Cache.ConversationTTL <= 0 {
		c.Cache.ConversationTTL = Duration(defaultConversationTTL)
	}
	if c.Cache.RecentMessagesTTL <= 0 {
		c.Cache.RecentMessagesTTL = Duration(defaultRecentMessagesTTL)
	}
	if c.Cache.RecentWindow <= 0 {
		c.Cache.RecentWindow = defaultRecentWindow
	}

	if c.Admission.Window <= 0 {
		c.Admission.Window = Duration(defaultAdmissionWindow)
	}
	if c.Admission.MaxRequests <= 0 {
		c.Admission.MaxRequests = defaultAdmissionMax
	}

	if strings.TrimSpace(c.Context.SystemPrompt) == "" {
		c.Context.SystemPrompt = DefaultSystemPrompt
	}
	if c.Context.HistoryLimit <= 0 {
		c.Context.HistoryLimit = defaultHistoryLimit
	}
	if c.Context.MaxContextTokens <= 0 {
		c.Context.MaxContextTokens = defaultMaxContextTokens
	}
	if c.Context.ReserveTokens <= 0 {
		c.Context.ReserveTokens = defaultReserveTokens
	}
	if c.Context.SummaryMaxTokens <= 0 {
		c.Context.SummaryMaxTokens = defaultSummaryMaxTokens
	}
	if strings.TrimSpace(c.Context.Summarizer) == "" {
		c.Context.Summarizer = "model"
	}

	if c.Model.MaxTokens <= 0 {
		c.Model.MaxTokens = defaultMaxOutputTokens
	}
	if c.Model.MaxAttempts <= 0 {
		c.Model.MaxAttempts = defaultMaxAttempts
	}
	if c.Model.BaseDelay <= 0 {
		c.Model.BaseDelay = Duration(defaultBaseDelay)
	}
	if c.Model.MaxDelay <= 0 {
		c.Model.MaxDelay = Duration(defaultMaxDelay)
	}
	if c.Model.RequestTimeout <= 0 {
		c.Model.RequestTimeout = Duration(defaultRequestTimeout)
	}

	if strings.TrimSpace(c.Log.Format) == "" {
		c.Log.Format = "json"
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(c.Storage.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid storage.driver %q", c.Storage.Driver)
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("missing storage.dsn")
	}
	switch strings.TrimSpace(c.Cache.Backend) {
	case "memory", "bolt":
	default:
		return fmt.Errorf("invalid cache.backend %q", c.Cache.Backend)
	}
	switch strings.TrimSpace(c.Context.Summarizer) {
	case "model", "extractive":
	default:
		return fmt.Errorf("invalid context.summarizer %q", c.Context.Summarizer)
	}
	if c.Context.ReserveTokens >= c.Context.MaxContextTokens {
		return fmt.Errorf("context.reserve_tokens (%d) must be below context.max_context_tokens (%d)", c.Context.ReserveTokens, c.Context.MaxContextTokens)
	}
	if c.Context.SummaryMaxTokens >= c.Context.MaxContextTokens-c.Context.ReserveTokens {
		return errors.New("context.summary_max_tokens leaves no room for messages")
	}
	if c.Admission.Window.D() < time.Millisecond {
		return fmt.Errorf("invalid admission.window %s (must be at least 1ms)", c.Admission.Window.D())
	}
	if t := c.Model.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("invalid model.temperature %v (must be in [0,2])", *t)
	}
	if c.Model.MaxAttempts > 10 {
		return fmt.Errorf("invalid model.max_attempts %d (must be <= 10)", c.Model.MaxAttempts)
	}
	if c.Model.MaxDelay < c.Model.BaseDelay {
		return errors.New("model.max_delay must be >= model.base_delay")
	}
	if err := validateProviders(c.Providers); err != nil {
		return err
	}
	return nil
}

// DefaultDataDir returns ~/.turnengine, or a relative fallback when the
// home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".turnengine"
	}
	return filepath.Join(home, ".turnengine")
}

// DefaultConfigPath returns the default config path:
//
//	~/.turnengine/config.yaml
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load reads a YAML (.yaml/.yml) or JSON-with-comments (.json/.jsonc) file,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(filepath.Ext(path), b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw config bytes. ext selects the format (".yaml", ".json", ...).
func Parse(ext string, b []byte) (*Config, error) {
	var cfg Config
	switch strings.ToLower(strings.TrimSpace(ext)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(b), &cfg); err != nil {
			return nil, err
		}
	case "", ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~/"))
}

// Duration is a time.Duration that decodes from "250ms"/"5m" strings in
// both YAML and JSON. Bare JSON numbers are read as milliseconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
		return nil
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}
