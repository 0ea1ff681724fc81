// Package config loads the proxy's runtime configuration from the
// environment into a single validated value, constructed once at startup.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Server
	Host string `env:"OPENCLAW_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"OPENCLAW_PORT" envDefault:"8080"`

	// Storage
	DatastorePath string `env:"OPENCLAW_DATASTORE_PATH" envDefault:"./data/openclaw.db"`
	UploadsRoot   string `env:"OPENCLAW_UPLOADS_ROOT" envDefault:"./data/uploads"`
	ExportsRoot   string `env:"OPENCLAW_EXPORTS_ROOT" envDefault:"./data/exports"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Admin
	AdminKey string `env:"OPENCLAW_ADMIN_KEY"`

	// Mock mode: bypass upstream providers and return deterministic replies.
	MockMode bool `env:"OPENCLAW_MOCK_MODE" envDefault:"false"`

	// Provider: DeepSeek (OpenAI-compatible)
	DeepSeekAPIKey  string `env:"OPENCLAW_DEEPSEEK_API_KEY"`
	DeepSeekBaseURL string `env:"OPENCLAW_DEEPSEEK_BASE_URL" envDefault:"https://api.deepseek.com"`
	DeepSeekModel   string `env:"OPENCLAW_DEEPSEEK_MODEL" envDefault:"deepseek-chat"`

	// Provider: Kimi (OpenAI-compatible)
	KimiAPIKey  string `env:"OPENCLAW_KIMI_API_KEY"`
	KimiBaseURL string `env:"OPENCLAW_KIMI_BASE_URL" envDefault:"https://api.moonshot.cn"`
	KimiModel   string `env:"OPENCLAW_KIMI_MODEL" envDefault:"moonshot-v1-32k"`

	// Provider: Claude (Anthropic Messages)
	ClaudeAPIKey  string `env:"OPENCLAW_CLAUDE_API_KEY"`
	ClaudeBaseURL string `env:"OPENCLAW_CLAUDE_BASE_URL" envDefault:"https://api.anthropic.com"`
	ClaudeModel   string `env:"OPENCLAW_CLAUDE_MODEL" envDefault:"claude-sonnet-4-5"`

	// Optional OpenAI-compatible gateway that can also serve Claude models.
	ClaudeGatewayBaseURL string `env:"OPENCLAW_CLAUDE_GATEWAY_BASE_URL"`

	// External identity (Apple Sign In)
	AppleIssuer       string        `env:"OPENCLAW_APPLE_ISSUER" envDefault:"https://appleid.apple.com"`
	AppleClientIDs    []string      `env:"OPENCLAW_APPLE_CLIENT_IDS" envSeparator:","`
	AppleJWKSURL      string        `env:"OPENCLAW_APPLE_JWKS_URL" envDefault:"https://appleid.apple.com/auth/keys"`
	AppleJWKSCacheTTL time.Duration `env:"OPENCLAW_APPLE_JWKS_CACHE_TTL" envDefault:"1h"`

	// Token lifecycle
	TokenTTL      time.Duration `env:"OPENCLAW_TOKEN_TTL" envDefault:"720h"`       // 30 days
	RefreshWindow time.Duration `env:"OPENCLAW_REFRESH_WINDOW" envDefault:"168h"` // 7 days
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if cfg.AppleJWKSCacheTTL < 60*time.Second {
		cfg.AppleJWKSCacheTTL = 60 * time.Second
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
