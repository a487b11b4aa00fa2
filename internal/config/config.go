// ABOUTME: Configuration loading and parsing for counsel-coordinator
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/counsel-coordinator/internal/agent"
	"github.com/2389/counsel-coordinator/internal/auth"
)

// EnvPath names the environment variable that overrides the config location.
const EnvPath = "COUNSEL_CONFIG"

// Config represents the complete counsel-coordinator configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Executor  ExecutorConfig  `yaml:"executor" toml:"executor"`
	Workflows WorkflowsConfig `yaml:"workflows" toml:"workflows"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
	Channel   ChannelConfig   `yaml:"channel" toml:"channel"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration.
// GRPCAddr is optional; when empty the gRPC health service is not started.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret runs the coordinator without authentication; every
// caller is then anonymous and admin operations over HTTP are open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// Enabled reports whether principal tokens are verified.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// AgentsConfig lists the agents initialized at startup.
// An empty list initializes every known agent.
type AgentsConfig struct {
	Names []string `yaml:"names" toml:"names"`
}

// Kinds returns the configured agents as kinds. Call after Validate.
func (a AgentsConfig) Kinds() []agent.Kind {
	if len(a.Names) == 0 {
		return agent.AllKinds()
	}
	kinds, _ := agent.ParseKinds(a.Names)
	return kinds
}

// LimitConfig throttles calls to one agent.
type LimitConfig struct {
	PerSecond float64 `yaml:"per_second" toml:"per_second"`
	Burst     int     `yaml:"burst" toml:"burst"`
}

// ExecutorConfig points agents at the services that perform their work.
// Agents without an endpoint fall back to the echo executor.
type ExecutorConfig struct {
	Endpoints map[string]string      `yaml:"endpoints" toml:"endpoints"`
	Token     string                 `yaml:"token" toml:"token"`
	Limits    map[string]LimitConfig `yaml:"limits" toml:"limits"`
}

// RetryConfig is the default retry policy for workflow steps.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"-" toml:"-"`
	MaxBackoff     time.Duration `yaml:"-" toml:"-"`

	InitialBackoffRaw string `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoffRaw     string `yaml:"max_backoff" toml:"max_backoff"`
}

// WorkflowsConfig holds workflow engine settings
type WorkflowsConfig struct {
	StepTimeout time.Duration `yaml:"-" toml:"-"`
	MaxRetained int           `yaml:"max_retained" toml:"max_retained"`
	Workers     int           `yaml:"workers" toml:"workers"`
	Retry       RetryConfig   `yaml:"retry" toml:"retry"`

	// Raw string values for unmarshaling
	StepTimeoutRaw string `yaml:"step_timeout" toml:"step_timeout"`
}

// HealthConfig holds health publisher settings
type HealthConfig struct {
	Interval      time.Duration `yaml:"-" toml:"-"`
	MemoryPercent float64       `yaml:"memory_percent" toml:"memory_percent"`
	ErrorRate     float64       `yaml:"error_rate" toml:"error_rate"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
}

// BreakerConfig holds the per-connection circuit breaker settings
type BreakerConfig struct {
	Threshold        int           `yaml:"threshold" toml:"threshold"`
	Cooldown         time.Duration `yaml:"-" toml:"-"`
	MaxCooldown      time.Duration `yaml:"-" toml:"-"`
	MaxProbeFailures int           `yaml:"max_probe_failures" toml:"max_probe_failures"`

	CooldownRaw    string `yaml:"cooldown" toml:"cooldown"`
	MaxCooldownRaw string `yaml:"max_cooldown" toml:"max_cooldown"`
}

// ChannelConfig holds real-time channel settings. Zero values take the
// channel server defaults.
type ChannelConfig struct {
	Breaker        BreakerConfig `yaml:"breaker" toml:"breaker"`
	SessionTTL     time.Duration `yaml:"-" toml:"-"`
	MaxSessions    int           `yaml:"max_sessions" toml:"max_sessions"`
	ReplayWindow   time.Duration `yaml:"-" toml:"-"`
	AuthTimeout    time.Duration `yaml:"-" toml:"-"`
	PingInterval   time.Duration `yaml:"-" toml:"-"`
	CommandRate    float64       `yaml:"command_rate" toml:"command_rate"`
	CommandBurst   int           `yaml:"command_burst" toml:"command_burst"`
	AllowedOrigins []string      `yaml:"allowed_origins" toml:"allowed_origins"`

	SessionTTLRaw   string `yaml:"session_ttl" toml:"session_ttl"`
	ReplayWindowRaw string `yaml:"replay_window" toml:"replay_window"`
	AuthTimeoutRaw  string `yaml:"auth_timeout" toml:"auth_timeout"`
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Path returns the config location: $COUNSEL_CONFIG if set, otherwise
// $XDG_CONFIG_HOME/counsel/coordinator.yaml or ~/.config/counsel/coordinator.yaml.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "coordinator.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "counsel", "coordinator.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data), strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration text, applies defaults and validates it.
func Parse(text string, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(text)

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Workflows.StepTimeout == 0 {
		cfg.Workflows.StepTimeout = 30 * time.Second
	}
	if cfg.Workflows.Workers == 0 {
		cfg.Workflows.Workers = 4
	}
	if cfg.Workflows.MaxRetained == 0 {
		cfg.Workflows.MaxRetained = 1000
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 5 * time.Second
	}
	if cfg.Health.MemoryPercent == 0 {
		cfg.Health.MemoryPercent = 90
	}
	if cfg.Health.ErrorRate == 0 {
		cfg.Health.ErrorRate = 0.5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.Enabled() && len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}

	if _, err := agent.ParseKinds(c.Agents.Names); err != nil {
		return fmt.Errorf("agents.names: %w", err)
	}

	for name, endpoint := range c.Executor.Endpoints {
		if _, err := agent.ParseKind(name); err != nil {
			return fmt.Errorf("executor.endpoints: %w", err)
		}
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("executor.endpoints.%s: %q is not an http(s) URL", name, endpoint)
		}
	}
	for name, limit := range c.Executor.Limits {
		if _, err := agent.ParseKind(name); err != nil {
			return fmt.Errorf("executor.limits: %w", err)
		}
		if limit.PerSecond <= 0 {
			return fmt.Errorf("executor.limits.%s.per_second must be positive", name)
		}
	}

	if c.Workflows.Workers < 0 || c.Workflows.MaxRetained < 0 || c.Workflows.Retry.MaxAttempts < 0 {
		return fmt.Errorf("workflows: workers, max_retained and retry.max_attempts must not be negative")
	}

	if c.Health.MemoryPercent <= 0 || c.Health.MemoryPercent > 100 {
		return fmt.Errorf("health.memory_percent must be in (0, 100], got %v", c.Health.MemoryPercent)
	}
	if c.Health.ErrorRate <= 0 || c.Health.ErrorRate > 1 {
		return fmt.Errorf("health.error_rate must be in (0, 1], got %v", c.Health.ErrorRate)
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}

	return nil
}

// ExecutorEndpoints returns the endpoint map keyed by agent kind. Call after Validate.
func (c *Config) ExecutorEndpoints() map[agent.Kind]string {
	out := make(map[agent.Kind]string, len(c.Executor.Endpoints))
	for name, endpoint := range c.Executor.Endpoints {
		out[agent.Kind(name)] = endpoint
	}
	return out
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"workflows.step_timeout", cfg.Workflows.StepTimeoutRaw, &cfg.Workflows.StepTimeout},
		{"workflows.retry.initial_backoff", cfg.Workflows.Retry.InitialBackoffRaw, &cfg.Workflows.Retry.InitialBackoff},
		{"workflows.retry.max_backoff", cfg.Workflows.Retry.MaxBackoffRaw, &cfg.Workflows.Retry.MaxBackoff},
		{"health.interval", cfg.Health.IntervalRaw, &cfg.Health.Interval},
		{"channel.breaker.cooldown", cfg.Channel.Breaker.CooldownRaw, &cfg.Channel.Breaker.Cooldown},
		{"channel.breaker.max_cooldown", cfg.Channel.Breaker.MaxCooldownRaw, &cfg.Channel.Breaker.MaxCooldown},
		{"channel.session_ttl", cfg.Channel.SessionTTLRaw, &cfg.Channel.SessionTTL},
		{"channel.replay_window", cfg.Channel.ReplayWindowRaw, &cfg.Channel.ReplayWindow},
		{"channel.auth_timeout", cfg.Channel.AuthTimeoutRaw, &cfg.Channel.AuthTimeout},
		{"channel.ping_interval", cfg.Channel.PingIntervalRaw, &cfg.Channel.PingInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
