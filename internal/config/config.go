// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server     ServerConfig       `yaml:"server"`
	ModelList  []DeploymentConfig `yaml:"model_list"`
	Router     RouterConfig       `yaml:"router"`
	Cache      CacheConfig        `yaml:"cache"`
	Guardrails []GuardrailConfig  `yaml:"guardrails"`
	Auth       AuthConfig         `yaml:"auth"`
	Redis      RedisConfig        `yaml:"redis"`
	Postgres   PostgresConfig     `yaml:"postgres"`
	Budget     BudgetConfig       `yaml:"budget"`
	Logging    LoggingConfig      `yaml:"logging"`
	Metrics    MetricsConfig      `yaml:"metrics"`
	Tracing    TracingConfig      `yaml:"tracing"`
	Pricing    map[string]PriceOverride `yaml:"pricing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	// GlobalRPS caps inbound requests per second across all callers;
	// zero disables the cap.
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
}

// DeploymentConfig defines a single model deployment. Several deployments
// may share a model_name; the router load-balances across them.
type DeploymentConfig struct {
	ModelName string           `yaml:"model_name"`
	Params    DeploymentParams `yaml:"params"`
	Info      DeploymentInfo   `yaml:"info"`
}

// DeploymentParams are forwarded to the provider adapter.
type DeploymentParams struct {
	// Model is the provider-qualified model, e.g. "openai/gpt-4o".
	Model   string            `yaml:"model"`
	APIKey  string            `yaml:"api_key"`
	APIBase string            `yaml:"api_base"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	RPM     int64             `yaml:"rpm"`
	TPM     int64             `yaml:"tpm"`
}

// DeploymentInfo carries routing metadata for a deployment.
type DeploymentInfo struct {
	ID               string   `yaml:"id"`
	Priority         int      `yaml:"priority"`
	Weight           int      `yaml:"weight"`
	Tags             []string `yaml:"tags"`
	InputCostPer1K   float64  `yaml:"input_cost_per_1k"`
	OutputCostPer1K  float64  `yaml:"output_cost_per_1k"`
	CostPerRequest   float64  `yaml:"cost_per_request"`
	MaxContextTokens int      `yaml:"max_context_tokens"`
	Disabled         bool     `yaml:"disabled"`
	BaseModel        string   `yaml:"base_model"`
}

// RouterConfig contains routing, retry, and failover settings.
type RouterConfig struct {
	// Strategy is one of simple-shuffle, least-busy, latency-based,
	// cost-based, usage-based, rate-limit-aware.
	Strategy            string        `yaml:"strategy"`
	NumRetries          int           `yaml:"num_retries"`
	RetryAfter          time.Duration `yaml:"retry_after"`
	Timeout             time.Duration `yaml:"timeout"`
	AllowedFails        int           `yaml:"allowed_fails"`
	CooldownTime        time.Duration `yaml:"cooldown_time"`
	EnablePreCallChecks bool          `yaml:"enable_pre_call_checks"`

	// Fallbacks maps a model group to ordered alternative groups tried
	// after the primary group is exhausted.
	Fallbacks              map[string][]string `yaml:"fallbacks"`
	ContextWindowFallbacks map[string][]string `yaml:"context_window_fallbacks"`
	ContentPolicyFallbacks map[string][]string `yaml:"content_policy_fallbacks"`

	// Aliases maps public model names to configured group names.
	Aliases map[string]string `yaml:"aliases"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// Backend is "redis" or "local".
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	// MaxEntries bounds the local backend only.
	MaxEntries int `yaml:"max_entries"`
}

// GuardrailConfig defines a single guardrail.
type GuardrailConfig struct {
	Name string `yaml:"name"`
	// Type selects the implementation, e.g. "pii_masking" or
	// "prompt_injection".
	Type string `yaml:"type"`
	// Mode is pre_call, post_call, or during_call.
	Mode string `yaml:"mode"`
	// Action is block or log.
	Action    string         `yaml:"action"`
	DefaultOn bool           `yaml:"default_on"`
	FailOpen  bool           `yaml:"fail_open"`
	Params    map[string]any `yaml:"params"`
}

// AuthConfig contains virtual-key authentication settings.
type AuthConfig struct {
	// MasterKey grants admin access to key management endpoints.
	MasterKey string `yaml:"master_key"`
	// Store is "postgres" or "memory".
	Store string `yaml:"store"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// PoolSize of 0 uses the client default.
	PoolSize int `yaml:"pool_size"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// BudgetConfig contains spend tracking settings.
type BudgetConfig struct {
	// SoftLimitPercent triggers an alert when cumulative spend crosses
	// this fraction of the budget.
	SoftLimitPercent float64 `yaml:"soft_limit_percent"`
	// AlertTTL suppresses duplicate soft-limit alerts.
	AlertTTL time.Duration `yaml:"alert_ttl"`
	// SweepInterval controls how often expired budget windows reset.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// PriceOverride replaces the built-in cost table entry for a model.
type PriceOverride struct {
	InputCostPer1K       float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K      float64 `yaml:"output_cost_per_1k"`
	CachedInputCostPer1K float64 `yaml:"cached_input_cost_per_1k"`
	CostPerRequest       float64 `yaml:"cost_per_request"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 10 << 20,
		},
		Router: RouterConfig{
			Strategy:     "simple-shuffle",
			NumRetries:   2,
			RetryAfter:   0,
			Timeout:      30 * time.Second,
			AllowedFails: 3,
			CooldownTime: 60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    false,
			Backend:    "local",
			TTL:        time.Hour,
			MaxEntries: 10000,
		},
		Auth: AuthConfig{
			Store: "memory",
		},
		Budget: BudgetConfig{
			SoftLimitPercent: 0.85,
			AlertTTL:         time.Hour,
			SweepInterval:    time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "relaymux",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Routing strategy names accepted by router.strategy.
const (
	StrategySimpleShuffle  = "simple-shuffle"
	StrategyLeastBusy      = "least-busy"
	StrategyLatencyBased   = "latency-based"
	StrategyCostBased      = "cost-based"
	StrategyUsageBased     = "usage-based"
	StrategyRateLimitAware = "rate-limit-aware"
)

var validStrategies = map[string]bool{
	StrategySimpleShuffle:  true,
	StrategyLeastBusy:      true,
	StrategyLatencyBased:   true,
	StrategyCostBased:      true,
	StrategyUsageBased:     true,
	StrategyRateLimitAware: true,
}

var validGuardrailModes = map[string]bool{
	"pre_call":    true,
	"post_call":   true,
	"during_call": true,
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.ModelList) == 0 {
		return fmt.Errorf("at least one deployment must be configured")
	}

	for i, d := range c.ModelList {
		if d.ModelName == "" {
			return fmt.Errorf("model_list[%d]: model_name is required", i)
		}
		if d.Params.Model == "" {
			return fmt.Errorf("model_list[%d] %q: params.model is required", i, d.ModelName)
		}
		if d.Params.Timeout < 0 {
			return fmt.Errorf("model_list[%d] %q: timeout cannot be negative", i, d.ModelName)
		}
		if d.Info.Weight < 0 {
			return fmt.Errorf("model_list[%d] %q: weight cannot be negative", i, d.ModelName)
		}
	}

	if !validStrategies[c.Router.Strategy] {
		return fmt.Errorf("unknown routing strategy %q", c.Router.Strategy)
	}
	if c.Router.NumRetries < 0 {
		return fmt.Errorf("router.num_retries cannot be negative")
	}
	if c.Router.AllowedFails < 0 {
		return fmt.Errorf("router.allowed_fails cannot be negative")
	}
	if c.Router.CooldownTime < 0 {
		return fmt.Errorf("router.cooldown_time cannot be negative")
	}

	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case "redis", "local":
		default:
			return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
		}
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive")
		}
	}

	for i, g := range c.Guardrails {
		if g.Name == "" {
			return fmt.Errorf("guardrails[%d]: name is required", i)
		}
		if !validGuardrailModes[g.Mode] {
			return fmt.Errorf("guardrails[%d] %q: unknown mode %q", i, g.Name, g.Mode)
		}
		if g.Action != "block" && g.Action != "log" {
			return fmt.Errorf("guardrails[%d] %q: action must be block or log", i, g.Name)
		}
	}

	if c.Budget.SoftLimitPercent < 0 || c.Budget.SoftLimitPercent > 1 {
		return fmt.Errorf("budget.soft_limit_percent must be in [0, 1]")
	}

	return nil
}
