// Package config provides the router's configuration surface: a single
// Config struct with defaults matching the documented routing behavior, a
// YAML loader with ${VAR} environment interpolation, and a hot-reload
// manager built on fsnotify with atomic pointer swaps.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete router configuration. It is the only structure
// the core accepts; file loading and environment derivation both produce
// one of these.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Providers      []ProviderConfig     `yaml:"providers"`
	Routing        RoutingConfig        `yaml:"routing"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Exhaustion     ExhaustionConfig     `yaml:"exhaustion"`
	SharedStoreURL string               `yaml:"shared_store_url"`
	Logging        LoggingConfig        `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings for the gateway entrypoint.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// MaxRPS caps inbound requests per second at the gateway edge.
	// Zero disables the limiter.
	MaxRPS float64 `yaml:"max_rps"`
	// Burst is the limiter's burst allowance when MaxRPS is set.
	Burst int `yaml:"burst"`
}

// ProviderConfig declares one backend provider's identity and quotas. It
// is immutable after router construction.
type ProviderConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Model    string            `yaml:"model"`
	APIKey   string            `yaml:"api_key"`
	BaseURL  string            `yaml:"base_url"`
	RPMLimit int               `yaml:"rpm_limit"`
	TPMLimit int               `yaml:"tpm_limit"`
	Weight   float64           `yaml:"weight"`
	Enabled  *bool             `yaml:"enabled"`
	Headers  map[string]string `yaml:"headers"`
	Options  map[string]any    `yaml:"options"`
}

// IsEnabled treats an absent enabled field as true, so a provider is only
// disabled by writing enabled: false explicitly.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// WeightProfile is one priority lane's scoring weight triple. Each
// profile must sum to 1.0.
type WeightProfile struct {
	Capacity float64 `yaml:"capacity"`
	Latency  float64 `yaml:"latency"`
	Static   float64 `yaml:"static"`
}

// RoutingConfig tunes candidate scoring and session affinity.
type RoutingConfig struct {
	// Weights overrides the per-priority scoring profiles. Priorities
	// left out keep their defaults.
	Weights map[string]WeightProfile `yaml:"routing_weights"`
	// WindowSeconds is the sliding usage window width.
	WindowSeconds int `yaml:"window_seconds"`
	// HighPriorityReserveFraction is the slice of each provider's RPM
	// capacity reserved for high-priority traffic.
	HighPriorityReserveFraction float64 `yaml:"high_priority_reserve_fraction"`
	// SessionTTLSeconds is how long a session-to-provider binding lives.
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`
	// EMAAlpha is the latency tracker's smoothing factor.
	EMAAlpha float64 `yaml:"ema_alpha"`
}

// CircuitBreakerConfig tunes the per-provider failure gate.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

// ExhaustionConfig tunes the quota-exhaustion predictor.
type ExhaustionConfig struct {
	ShortWindowSeconds int     `yaml:"short_window_seconds"`
	LookaheadSeconds   int     `yaml:"lookahead_seconds"`
	Multiplier         float64 `yaml:"multiplier"`
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

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Routing: RoutingConfig{
			WindowSeconds:               60,
			HighPriorityReserveFraction: 0.2,
			SessionTTLSeconds:           3600,
			EMAAlpha:                    0.2,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			CooldownSeconds:  30,
		},
		Exhaustion: ExhaustionConfig{
			ShortWindowSeconds: 30,
			LookaheadSeconds:   120,
			Multiplier:         1.5,
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
			ServiceName: "routecore",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in the format ${VAR_NAME} are expanded before parsing.
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

// envProvider is one well-known provider the environment-derived loader
// recognizes. Quotas are deliberately modest; operators with real limits
// use a config file.
type envProvider struct {
	envVar   string
	typeName string
	model    string
	rpm      int
	tpm      int
}

var envProviders = []envProvider{
	{"OPENAI_API_KEY", "openai", "gpt-4o-mini", 500, 200000},
	{"ANTHROPIC_API_KEY", "anthropic", "claude-3-5-haiku-20241022", 500, 200000},
	{"GEMINI_API_KEY", "gemini", "gemini-2.0-flash", 500, 200000},
	{"GROQ_API_KEY", "groq", "llama-3.3-70b-versatile", 500, 200000},
}

// FromEnv derives a configuration from the fixed set of well-known
// provider environment variables. Providers whose key variable is unset
// are left out; an empty provider list is returned as-is and fails
// Validate, so callers get the usual error path.
func FromEnv() *Config {
	cfg := DefaultConfig()
	for _, p := range envProviders {
		key := os.Getenv(p.envVar)
		if key == "" {
			continue
		}
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name:     p.typeName,
			Type:     p.typeName,
			Model:    p.model,
			APIKey:   key,
			RPMLimit: p.rpm,
			TPMLimit: p.tpm,
			Weight:   1.0,
		})
	}
	if url := os.Getenv("SHARED_STORE_URL"); url != "" {
		cfg.SharedStoreURL = url
	}
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxRPS < 0 {
		return fmt.Errorf("server.max_rps cannot be negative")
	}
	if c.Server.Burst < 0 {
		return fmt.Errorf("server.burst cannot be negative")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.Type == "" {
			return fmt.Errorf("provider[%d] %q: type is required", i, p.Name)
		}
		if p.Model == "" {
			return fmt.Errorf("provider[%d] %q: model is required", i, p.Name)
		}
		if p.RPMLimit <= 0 {
			return fmt.Errorf("provider[%d] %q: rpm_limit must be positive", i, p.Name)
		}
		if p.TPMLimit <= 0 {
			return fmt.Errorf("provider[%d] %q: tpm_limit must be positive", i, p.Name)
		}
		if p.Weight < 0 {
			return fmt.Errorf("provider[%d] %q: weight cannot be negative", i, p.Name)
		}
	}

	for priority, w := range c.Routing.Weights {
		switch priority {
		case "high", "normal", "low":
		default:
			return fmt.Errorf("routing_weights: unknown priority %q", priority)
		}
		sum := w.Capacity + w.Latency + w.Static
		if math.Abs(sum-1.0) > 1e-9 {
			return fmt.Errorf("routing_weights.%s: weights sum to %v, must sum to 1.0", priority, sum)
		}
	}

	if c.Routing.WindowSeconds <= 0 {
		return fmt.Errorf("routing.window_seconds must be positive")
	}
	if c.Routing.HighPriorityReserveFraction < 0 || c.Routing.HighPriorityReserveFraction >= 1 {
		return fmt.Errorf("routing.high_priority_reserve_fraction must be in [0, 1)")
	}
	if c.Routing.SessionTTLSeconds <= 0 {
		return fmt.Errorf("routing.session_ttl_seconds must be positive")
	}
	if c.Routing.EMAAlpha <= 0 || c.Routing.EMAAlpha > 1 {
		return fmt.Errorf("routing.ema_alpha must be in (0, 1]")
	}

	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if c.CircuitBreaker.CooldownSeconds <= 0 {
		return fmt.Errorf("circuit_breaker.cooldown_seconds must be positive")
	}

	if c.Exhaustion.ShortWindowSeconds <= 0 {
		return fmt.Errorf("exhaustion.short_window_seconds must be positive")
	}
	if c.Exhaustion.LookaheadSeconds <= 0 {
		return fmt.Errorf("exhaustion.lookahead_seconds must be positive")
	}
	if c.Exhaustion.Multiplier <= 0 {
		return fmt.Errorf("exhaustion.multiplier must be positive")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}
