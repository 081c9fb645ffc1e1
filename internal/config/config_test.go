package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PARTY_SECRET", "s3cret")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DBDriver != DriverSQLite {
		t.Errorf("DBDriver = %q, want %q", cfg.DBDriver, DriverSQLite)
	}
	if cfg.PublicWSURL != "ws://localhost:9090" {
		t.Errorf("PublicWSURL = %q", cfg.PublicWSURL)
	}
	if cfg.Agent.Throttle != 120*time.Millisecond {
		t.Errorf("Agent.Throttle = %v", cfg.Agent.Throttle)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PARTY_SECRET", "s3cret")
	t.Setenv("AGENT_THROTTLE", "250ms")
	t.Setenv("AGENT_ENABLED", "off")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("TOKEN_RATE_PER_MINUTE", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.Throttle != 250*time.Millisecond {
		t.Errorf("Agent.Throttle = %v, want 250ms", cfg.Agent.Throttle)
	}
	if cfg.Agent.Enabled {
		t.Error("Agent.Enabled = true, want false")
	}
	if got := strings.Join(cfg.CORSOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Errorf("CORSOrigins = %q", got)
	}
	if cfg.TokenRatePerMinute != 30 {
		t.Errorf("TokenRatePerMinute = %d, want fallback 30", cfg.TokenRatePerMinute)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing secret", map[string]string{}, "PARTY_SECRET"},
		{"postgres without url", map[string]string{"PARTY_SECRET": "x", "DB_DRIVER": "postgres"}, "DATABASE_URL"},
		{"unknown driver", map[string]string{"PARTY_SECRET": "x", "DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"zero ttl", map[string]string{"PARTY_SECRET": "x", "TOKEN_TTL": "0s"}, "TOKEN_TTL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PARTY_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
