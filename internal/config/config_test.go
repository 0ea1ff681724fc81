package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default token ttl is 30 days",
			check:  func(c *Config) bool { return c.TokenTTL == 720*time.Hour },
			expect: "720h",
		},
		{
			name:   "default refresh window is 7 days",
			check:  func(c *Config) bool { return c.RefreshWindow == 168*time.Hour },
			expect: "168h",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestAppleJWKSCacheTTLFloor(t *testing.T) {
	t.Setenv("OPENCLAW_APPLE_JWKS_CACHE_TTL", "1s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.AppleJWKSCacheTTL != 60*time.Second {
		t.Errorf("AppleJWKSCacheTTL = %v, want 60s floor", cfg.AppleJWKSCacheTTL)
	}
}
