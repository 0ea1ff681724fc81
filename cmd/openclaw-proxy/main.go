package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theoclaw/openclaw-proxy/internal/attachment"
	"github.com/theoclaw/openclaw-proxy/internal/config"
	"github.com/theoclaw/openclaw-proxy/internal/httpserver"
	"github.com/theoclaw/openclaw-proxy/internal/identity"
	"github.com/theoclaw/openclaw-proxy/internal/orchestrator"
	"github.com/theoclaw/openclaw-proxy/internal/platform"
	"github.com/theoclaw/openclaw-proxy/internal/provider"
	"github.com/theoclaw/openclaw-proxy/internal/quota"
	"github.com/theoclaw/openclaw-proxy/internal/ratelimit"
	"github.com/theoclaw/openclaw-proxy/internal/store"
	"github.com/theoclaw/openclaw-proxy/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting openclaw-proxy", "listen", cfg.ListenAddr(), "mock_mode", cfg.MockMode)

	db, err := platform.OpenDatastore(cfg.DatastorePath)
	if err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	st := store.New(db)

	var jwks *identity.JWKSCache
	if cfg.AppleJWKSURL != "" && len(cfg.AppleClientIDs) > 0 {
		jwks = identity.NewJWKSCache(cfg.AppleJWKSURL, cfg.AppleJWKSCacheTTL)
		logger.Info("apple sign-in enabled", "issuer", cfg.AppleIssuer)
	} else {
		logger.Info("apple sign-in disabled (OPENCLAW_APPLE_CLIENT_IDS not set)")
	}

	idSvc := identity.New(st, identity.NewLoginLockout(), jwks, cfg.AppleIssuer, cfg.AppleClientIDs, cfg.TokenTTL, cfg.RefreshWindow)

	limiter := ratelimit.New()
	gate := quota.NewGatekeeper(st)
	registry := provider.NewRegistry(buildAdapters(cfg)...)
	files := attachment.NewPipeline(st, cfg.UploadsRoot)
	orch := orchestrator.New(st, gate, registry, files, httpserver.FileURL)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AdminKey:           cfg.AdminKey,
		DefaultModels: map[provider.Name]string{
			provider.NameDeepSeek: cfg.DeepSeekModel,
			provider.NameKimi:     cfg.KimiModel,
			provider.NameClaude:   cfg.ClaudeModel,
		},
	}, logger, st, idSvc, orch, registry, gate, files, limiter, metricsReg)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)
	}
}

// buildAdapters wires one adapter per provider named in internal/provider's
// Name constants. In mock mode every adapter is a MockAdapter, for local
// development and CI runs with no upstream credentials configured.
func buildAdapters(cfg *config.Config) []provider.Adapter {
	if cfg.MockMode {
		return []provider.Adapter{
			provider.NewMockAdapter(provider.NameDeepSeek),
			provider.NewMockAdapter(provider.NameKimi),
			provider.NewMockAdapter(provider.NameClaude),
		}
	}

	adapters := []provider.Adapter{
		provider.NewOpenAICompatAdapter(provider.NameDeepSeek, cfg.DeepSeekBaseURL, cfg.DeepSeekAPIKey),
		provider.NewOpenAICompatAdapter(provider.NameKimi, cfg.KimiBaseURL, cfg.KimiAPIKey),
	}

	if cfg.ClaudeGatewayBaseURL != "" {
		adapters = append(adapters, provider.NewOpenAICompatAdapter(provider.NameClaude, cfg.ClaudeGatewayBaseURL, cfg.ClaudeAPIKey))
	} else {
		adapters = append(adapters, provider.NewAnthropicAdapter(cfg.ClaudeAPIKey, cfg.ClaudeBaseURL))
	}

	return adapters
}
