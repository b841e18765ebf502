// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/vortex/pkg/asset"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Limit     LimitConfig     `yaml:"limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Signature SignatureConfig `yaml:"signature"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Redis     RedisConfig     `yaml:"redis"`
	MQ        MQConfig        `yaml:"mq"`
	LLM       LLMConfig       `yaml:"llm"`
	Health    HealthConfig    `yaml:"health_check"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxConns     int           `yaml:"max_conns"`
	// AdminPort serves health, admin and metrics on a separate listener when set.
	AdminPort int `yaml:"admin_port"`
}

// GatewayConfig contains request pipeline settings.
type GatewayConfig struct {
	// Prefix is the base path under which rest/mcp/mq routers are mounted.
	Prefix         string `yaml:"prefix"`
	DefaultVersion string `yaml:"default_version"`
	DefaultFormat  string `yaml:"default_format"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	// MaxResponseBytes caps buffered upstream bodies.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
	// CooldownPeriod is how long a failing replica is kept out of rotation.
	CooldownPeriod time.Duration `yaml:"cooldown_period"`
}

// LimitConfig defines rate limiting parameters.
type LimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// Algorithm is one of window, bucket, redis.
	Algorithm       string        `yaml:"algorithm"`
	DefaultCapacity int           `yaml:"default_capacity"`
	DefaultWindow   time.Duration `yaml:"default_window"`
	// PerCaller scopes counters by asset and caller identity.
	PerCaller bool `yaml:"per_caller"`
	// FailOpen allows requests when the redis backend errors.
	FailOpen bool `yaml:"fail_open"`
}

// AuthConfig contains access token verification settings.
type AuthConfig struct {
	// Tokens are static tokens accepted verbatim, mapped to a principal name.
	Tokens map[string]string `yaml:"tokens"`
	JWT    JWTConfig         `yaml:"jwt"`
}

// JWTConfig enables HMAC signed bearer tokens.
type JWTConfig struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// SignatureConfig contains request signing settings.
type SignatureConfig struct {
	Secret string            `yaml:"secret"`
	Keys   map[string]string `yaml:"keys"`
	Window time.Duration     `yaml:"window"`
	// ReplayProtection rejects a signature seen before within Window.
	ReplayProtection bool `yaml:"replay_protection"`
}

// FirewallConfig maps exception-rule codes to the callers they exempt.
type FirewallConfig struct {
	Rules map[string]FirewallRule `yaml:"rules"`
	// TrustedProxies may set Forwarded / X-Forwarded-For for the caller address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// FirewallRule lists the callers allowed to bypass token and signature checks.
type FirewallRule struct {
	CIDRs    []string `yaml:"cidrs"`
	Channels []string `yaml:"channels"`
}

// CatalogConfig selects where assets come from.
type CatalogConfig struct {
	// Source is one of config, file, redis, postgres.
	Source          string         `yaml:"source"`
	File            string         `yaml:"file"`
	RefreshInterval time.Duration  `yaml:"refresh_interval"`
	RedisKey        string         `yaml:"redis_key"`
	Postgres        PostgresConfig `yaml:"postgres"`
	Assets          []asset.Asset  `yaml:"assets"`
}

// PostgresConfig contains the catalog database connection settings.
type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	Table        string        `yaml:"table"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// RedisConfig contains the shared Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MQConfig selects the message broker used by the MQ router.
type MQConfig struct {
	// Driver is one of nats, redis.
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
	Name   string `yaml:"name"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxIdleConns   int           `yaml:"max_idle_conns"`
}

// HealthConfig controls background probing of REST replicas. Only assets
// whose metadata carries health_path are probed.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
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

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming responses are long-lived
			IdleTimeout:  60 * time.Second,
		},
		Gateway: GatewayConfig{
			Prefix:           "/router",
			DefaultVersion:   "1.0",
			DefaultFormat:    "json",
			MaxBodyBytes:     4 << 20,
			MaxResponseBytes: 10 << 20,
			CooldownPeriod:   30 * time.Second,
		},
		Limit: LimitConfig{
			Enabled:         true,
			Algorithm:       "window",
			DefaultCapacity: 100,
			DefaultWindow:   time.Second,
			FailOpen:        true,
		},
		Signature: SignatureConfig{
			Window:           5 * time.Minute,
			ReplayProtection: true,
		},
		Catalog: CatalogConfig{
			Source:          "config",
			RefreshInterval: 30 * time.Second,
			RedisKey:        "vortex:assets",
			Postgres: PostgresConfig{
				Table:        "vortex_asset",
				MaxOpenConns: 5,
				ConnLifetime: 5 * time.Minute,
			},
		},
		MQ: MQConfig{
			Name: "vortex-gateway",
		},
		LLM: LLMConfig{
			RequestTimeout: 5 * time.Minute,
			MaxIdleConns:   100,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
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
			ServiceName: "vortex",
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
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for i := range cfg.Catalog.Assets {
		cfg.Catalog.Assets[i].Normalize()
	}
	cfg.Gateway.Prefix = "/" + strings.Trim(cfg.Gateway.Prefix, "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxConns < 0 {
		return fmt.Errorf("server.max_conns cannot be negative")
	}
	if c.Server.AdminPort < 0 || c.Server.AdminPort > 65535 || (c.Server.AdminPort != 0 && c.Server.AdminPort == c.Server.Port) {
		return fmt.Errorf("invalid server admin_port: %d", c.Server.AdminPort)
	}

	switch c.Gateway.DefaultFormat {
	case "json", "xml":
	default:
		return fmt.Errorf("gateway.default_format must be json or xml, got %q", c.Gateway.DefaultFormat)
	}
	if c.Gateway.MaxBodyBytes <= 0 {
		return fmt.Errorf("gateway.max_body_bytes must be positive")
	}
	if c.Gateway.CooldownPeriod < 0 {
		return fmt.Errorf("gateway.cooldown_period cannot be negative")
	}

	switch c.Limit.Algorithm {
	case "window", "bucket":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("limit.algorithm redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown limit.algorithm %q", c.Limit.Algorithm)
	}
	if c.Limit.DefaultCapacity <= 0 {
		return fmt.Errorf("limit.default_capacity must be positive")
	}
	if c.Limit.DefaultWindow <= 0 {
		return fmt.Errorf("limit.default_window must be positive")
	}

	if c.Signature.Window <= 0 {
		return fmt.Errorf("signature.window must be positive")
	}

	switch c.Catalog.Source {
	case "config":
	case "file":
		if c.Catalog.File == "" {
			return fmt.Errorf("catalog.source file requires catalog.file")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("catalog.source redis requires redis.addr")
		}
	case "postgres":
		if c.Catalog.Postgres.DSN == "" {
			return fmt.Errorf("catalog.source postgres requires catalog.postgres.dsn")
		}
	default:
		return fmt.Errorf("unknown catalog.source %q", c.Catalog.Source)
	}

	seen := make(map[string]bool)
	for i := range c.Catalog.Assets {
		a := &c.Catalog.Assets[i]
		if err := a.Validate(); err != nil {
			return fmt.Errorf("catalog.assets[%d]: %w", i, err)
		}
		if seen[a.ID] {
			return fmt.Errorf("catalog.assets[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Firewall != "" {
			if _, ok := c.Firewall.Rules[a.Firewall]; !ok {
				return fmt.Errorf("catalog.assets[%d]: unknown firewall rule %q", i, a.Firewall)
			}
		}
	}

	switch c.MQ.Driver {
	case "":
	case "nats":
		if c.MQ.URL == "" {
			return fmt.Errorf("mq.driver nats requires mq.url")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("mq.driver redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown mq.driver %q", c.MQ.Driver)
	}

	return nil
}
