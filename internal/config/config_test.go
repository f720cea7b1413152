package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `server:
  port: 9090
identity:
  issuer: https://auth.example.com
  audience: arbiter
  jwks_url: https://auth.example.com/.well-known/jwks.json
definitions:
  directories:
    - /etc/arbiter/definitions
notifier:
  webhook_url: https://hooks.example.com/arbiter
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	// Unset fields keep their defaults.
	if cfg.Server.HandlerTimeout != 25*time.Second {
		t.Errorf("handler timeout = %v, want default 25s", cfg.Server.HandlerTimeout)
	}
	if cfg.Escalation.RiskThreshold != 60 {
		t.Errorf("risk threshold = %d, want default 60", cfg.Escalation.RiskThreshold)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("store driver = %q, want default memory", cfg.Store.Driver)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ARBITER_SERVER_PORT", "7070")
	t.Setenv("ARBITER_OBSERVABILITY_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("log level = %q, want env override debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/no/such/config.yaml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing issuer",
			mutate:  func(c *Config) { c.Identity.Issuer = "" },
			wantErr: "identity.issuer",
		},
		{
			name:    "missing jwks url",
			mutate:  func(c *Config) { c.Identity.JWKSURL = "" },
			wantErr: "identity.jwks_url",
		},
		{
			name:    "missing webhook url",
			mutate:  func(c *Config) { c.Notifier.WebhookURL = "" },
			wantErr: "notifier.webhook_url",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "sqlite" },
			wantErr: "store.driver",
		},
		{
			name:    "risk threshold out of range",
			mutate:  func(c *Config) { c.Escalation.RiskThreshold = 140 },
			wantErr: "escalation.risk_threshold",
		},
		{
			name:    "no definition directories",
			mutate:  func(c *Config) { c.Definitions.Directories = nil },
			wantErr: "definitions.directories",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Identity.Issuer = "https://auth.example.com"
			cfg.Identity.Audience = "arbiter"
			cfg.Identity.JWKSURL = "https://auth.example.com/jwks"
			cfg.Notifier.WebhookURL = "https://hooks.example.com"
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
