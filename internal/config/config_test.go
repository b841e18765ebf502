package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blueberrycongee/vortex/pkg/asset"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Gateway.Prefix != "/router" {
		t.Errorf("default prefix = %q, want /router", cfg.Gateway.Prefix)
	}
	if cfg.Gateway.DefaultVersion != "1.0" {
		t.Errorf("default version = %q, want 1.0", cfg.Gateway.DefaultVersion)
	}
	if cfg.Limit.Algorithm != "window" {
		t.Errorf("default limit algorithm = %q, want window", cfg.Limit.Algorithm)
	}
	if cfg.Signature.Window != 5*time.Minute {
		t.Errorf("default signature window = %v, want 5m", cfg.Signature.Window)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	validAsset := asset.Asset{ID: "a1", Method: "user.get", Host: "backend", Mode: asset.ModeHTTP, Type: asset.VerbGet}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{
			name:    "invalid port zero",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "invalid port too high",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "unknown format",
			mutate:  func(c *Config) { c.Gateway.DefaultFormat = "yaml" },
			wantErr: "default_format",
		},
		{
			name:    "unknown limit algorithm",
			mutate:  func(c *Config) { c.Limit.Algorithm = "leaky" },
			wantErr: "unknown limit.algorithm",
		},
		{
			name:    "redis limiter without redis",
			mutate:  func(c *Config) { c.Limit.Algorithm = "redis" },
			wantErr: "requires redis.addr",
		},
		{
			name: "redis limiter with redis",
			mutate: func(c *Config) {
				c.Limit.Algorithm = "redis"
				c.Redis.Addr = "localhost:6379"
			},
		},
		{
			name:    "file catalog without file",
			mutate:  func(c *Config) { c.Catalog.Source = "file" },
			wantErr: "requires catalog.file",
		},
		{
			name:    "postgres catalog without dsn",
			mutate:  func(c *Config) { c.Catalog.Source = "postgres" },
			wantErr: "requires catalog.postgres.dsn",
		},
		{
			name: "duplicate asset id",
			mutate: func(c *Config) {
				c.Catalog.Assets = []asset.Asset{validAsset, validAsset}
			},
			wantErr: "duplicate id",
		},
		{
			name: "unknown firewall rule",
			mutate: func(c *Config) {
				a := validAsset
				a.Firewall = "internal"
				c.Catalog.Assets = []asset.Asset{a}
			},
			wantErr: "unknown firewall rule",
		},
		{
			name: "known firewall rule",
			mutate: func(c *Config) {
				a := validAsset
				a.Firewall = "internal"
				c.Catalog.Assets = []asset.Asset{a}
				c.Firewall.Rules = map[string]FirewallRule{"internal": {CIDRs: []string{"10.0.0.0/8"}}}
			},
		},
		{
			name:    "nats without url",
			mutate:  func(c *Config) { c.MQ.Driver = "nats" },
			wantErr: "requires mq.url",
		},
		{
			name:    "unknown mq driver",
			mutate:  func(c *Config) { c.MQ.Driver = "kafka" },
			wantErr: "unknown mq.driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("VORTEX_TEST_SECRET", "s3cret")

	path := createTempFile(t, `
server:
  port: 9000
gateway:
  prefix: gw/
signature:
  secret: ${VORTEX_TEST_SECRET}
catalog:
  assets:
    - id: a1
      method: user.getProfile
      version: "1"
      host: backend
      port: 8081
      path: /profile
      mode: http
      type: get
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Gateway.Prefix != "/gw" {
		t.Errorf("prefix = %q, want /gw", cfg.Gateway.Prefix)
	}
	if cfg.Signature.Secret != "s3cret" {
		t.Errorf("secret = %q, want expanded env value", cfg.Signature.Secret)
	}
	// Untouched sections keep defaults.
	if cfg.Limit.DefaultCapacity != 100 {
		t.Errorf("default capacity = %d, want 100", cfg.Limit.DefaultCapacity)
	}
	if len(cfg.Catalog.Assets) != 1 {
		t.Fatalf("assets = %d, want 1", len(cfg.Catalog.Assets))
	}
	a := cfg.Catalog.Assets[0]
	if a.Mode != asset.ModeHTTP || a.Type != asset.VerbGet {
		t.Errorf("asset mode/type = %s/%s, want normalized HTTP/GET", a.Mode, a.Type)
	}
	if a.Timeout != 10000 {
		t.Errorf("asset timeout = %d, want 10000", a.Timeout)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := createTempFile(t, "server: [unclosed")
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected parse error")
	}

	path = createTempFile(t, `
catalog:
  assets:
    - id: broken
      host: backend
`)
	if _, err := LoadFromFile(path); err == nil || !strings.Contains(err.Error(), "method is required") {
		t.Errorf("expected asset validation error, got %v", err)
	}
}

func createTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
