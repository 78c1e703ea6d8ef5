// Package config loads the core's process-wide configuration: listen
// address, storage backend, provider credentials and model lists, Pro
// ledger settings, and connection/budget limits. Values come from
// environment variables with sane defaults, optionally overlaid by a YAML
// file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the coreserver process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Budgets    BudgetsConfig    `yaml:"budgets"`
	ProCredits ProCreditsConfig `yaml:"pro_credits"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig configures the process's network surface.
type ServerConfig struct {
	// ListenAddr is the address the WebSocket/metrics HTTP server binds.
	ListenAddr string `yaml:"listen_addr"`

	// MaxConcurrentConnections is the hard cap the connection manager enforces before
	// rejecting new connections with an "overloaded" close code.
	MaxConcurrentConnections int `yaml:"max_concurrent_connections"`

	// AdminKey gates admin-only endpoints at the HTTP boundary.
	AdminKey string `yaml:"-"`
}

// StorageConfig selects and configures the Event Store's backing SQL
// database.
type StorageConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the driver-specific connection string. For sqlite this is a
	// file path (or ":memory:"); for postgres a libpq-style DSN.
	DSN string `yaml:"dsn"`
}

// WorkspaceConfig configures the per-connection workspace allocator.
type WorkspaceConfig struct {
	// Root is the parent directory new workspace subdirectories are
	// created under. Empty falls back to a local path.
	Root string `yaml:"root"`
}

// ProvidersConfig carries per-provider credentials, base URLs, and model
// fallback lists for the LLM provider layer.
type ProvidersConfig struct {
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Chutes     OpenAICompatCfg  `yaml:"chutes"`
	OpenRouter OpenAICompatCfg  `yaml:"openrouter"`
	Moonshot   OpenAICompatCfg  `yaml:"moonshot"`
	MaxRetries int              `yaml:"max_retries"`
	Backoff    BackoffTimingCfg `yaml:"backoff"`
}

// AnthropicConfig configures the native Anthropic-direct provider.
type AnthropicConfig struct {
	APIKey        string   `yaml:"-"`
	PrimaryModel  string   `yaml:"primary_model"`
	FallbackModel string   `yaml:"fallback_model"`
	Fallbacks     []string `yaml:"fallbacks"`
}

// OpenAICompatCfg configures one of the OpenAI-compatible providers
// (chutes, openrouter, moonshot).
type OpenAICompatCfg struct {
	APIKey        string   `yaml:"-"`
	BaseURL       string   `yaml:"base_url"`
	PrimaryModel  string   `yaml:"primary_model"`
	FreeModel     string   `yaml:"free_model"`
	Fallbacks     []string `yaml:"fallbacks"`
	NativeToolCap bool     `yaml:"native_tool_calling"`
}

// BackoffTimingCfg configures the retry ladder's base delay and whether to
// apply the test-mode 1s cap.
type BackoffTimingCfg struct {
	BaseMillis int  `yaml:"base_millis"`
	TestMode   bool `yaml:"test_mode"`
}

// BudgetsConfig bounds a single agent run.
type BudgetsConfig struct {
	MaxTurns    int `yaml:"max_turns"`
	MaxRounds   int `yaml:"max_rounds"`
	TokenBudget int `yaml:"token_budget"`
}

// ProCreditsConfig configures the Pro Credit Ledger's secret prime and
// default fallback model used when a Pro key's monthly budget is
// exhausted mid-run.
type ProCreditsConfig struct {
	Prime         int64  `yaml:"-"`
	FallbackModel string `yaml:"fallback_model"`
}

// LoggingConfig configures the structured logger (observability.Logger).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the canonical defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:               ":8080",
			MaxConcurrentConnections: 500,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "coreserver.db",
		},
		Providers: ProvidersConfig{
			MaxRetries: 3,
			Backoff:    BackoffTimingCfg{BaseMillis: 500},
		},
		Budgets: BudgetsConfig{
			MaxTurns:    200,
			MaxRounds:   150,
			TokenBudget: 120_000,
		},
		ProCredits: ProCreditsConfig{
			Prime: 982451,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "coreserver",
		},
	}
}

// Load builds a Config starting from Default(), optionally overlaid by the
// YAML file at yamlPath (skipped entirely if yamlPath is empty), and
// finally overridden by environment variables. Validation happens once
// here; a missing provider API key does not fail Load — it only fails the
// first request that needs that provider.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CORESERVER_LISTEN_ADDR")); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("CORESERVER_MAX_CONNECTIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MaxConcurrentConnections = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ADMIN_KEY")); v != "" {
		cfg.Server.AdminKey = v
	}

	if v := strings.TrimSpace(os.Getenv("CORESERVER_DB_DRIVER")); v != "" {
		cfg.Storage.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("CORESERVER_DB_DSN")); v != "" {
		cfg.Storage.DSN = v
	}

	if v := strings.TrimSpace(os.Getenv("CORESERVER_WORKSPACE_ROOT")); v != "" {
		cfg.Workspace.Root = v
	}

	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("CHUTES_API_KEY")); v != "" {
		cfg.Providers.Chutes.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")); v != "" {
		cfg.Providers.OpenRouter.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("MOONSHOT_API_KEY")); v != "" {
		cfg.Providers.Moonshot.APIKey = v
	}

	if v := strings.TrimSpace(os.Getenv("PRO_PRIME")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ProCredits.Prime = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("CORESERVER_MAX_TURNS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Budgets.MaxTurns = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CORESERVER_MAX_ROUNDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Budgets.MaxRounds = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("CORESERVER_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("CORESERVER_LOG_FORMAT")); v != "" {
		cfg.Logging.Format = v
	}

	// PLAYWRIGHT_BROWSERS_PATH and STATIC_FILE_BASE_URL are tool-side
	// configuration; no core component reads them, so they are
	// intentionally not consulted here.
}

// ValidationError reports one or more configuration problems discovered
// during Load.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config: validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string

	if cfg.Server.MaxConcurrentConnections <= 0 {
		issues = append(issues, "server.max_concurrent_connections must be positive")
	}
	if cfg.Storage.Driver != "sqlite" && cfg.Storage.Driver != "postgres" {
		issues = append(issues, fmt.Sprintf("storage.driver %q must be sqlite or postgres", cfg.Storage.Driver))
	}
	if cfg.Budgets.MaxTurns <= 0 || cfg.Budgets.MaxRounds <= 0 {
		issues = append(issues, "budgets.max_turns and budgets.max_rounds must be positive")
	}
	if cfg.ProCredits.Prime <= 0 {
		issues = append(issues, "pro_credits prime must be positive")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ReadTimeout is the WebSocket receive loop's idle read timeout.
const ReadTimeout = 5 * time.Minute

// HeartbeatInterval is how often a connection sends a heartbeat event.
const HeartbeatInterval = 30 * time.Second

// CleanupInterval is how often the periodic connection reaper runs.
const CleanupInterval = 60 * time.Second

// MaxConnectionAge is the safety-net age past which a connection is
// reaped regardless of activity.
const MaxConnectionAge = time.Hour

// HotPathConnectionThreshold and HotPathMaxAge drive the pre-emptive
// cleanup on the accept hot path: once more than this many
// connections are active, connections older than HotPathMaxAge are closed
// before the new one is accepted.
const (
	HotPathConnectionThreshold = 200
	HotPathMaxAge              = 30 * time.Minute
)
