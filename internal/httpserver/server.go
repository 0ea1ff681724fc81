// Package httpserver wires every core component behind a chi router: bearer
// auth, rate limiting, JSON request validation, and the conversation/chat/
// attachment endpoints spec.md §6 enumerates.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/attachment"
	"github.com/theoclaw/openclaw-proxy/internal/identity"
	"github.com/theoclaw/openclaw-proxy/internal/orchestrator"
	"github.com/theoclaw/openclaw-proxy/internal/provider"
	"github.com/theoclaw/openclaw-proxy/internal/quota"
	"github.com/theoclaw/openclaw-proxy/internal/ratelimit"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

// ServerConfig holds the parameters NewServer needs, decoupled from the
// top-level config struct so this package doesn't import cmd-only concerns.
type ServerConfig struct {
	CORSAllowedOrigins []string
	AdminKey           string
	// DefaultModels supplies the model name a request falls back to when it
	// omits one, keyed by the provider the request ultimately resolves to.
	DefaultModels map[provider.Name]string
}

// Server holds the HTTP server dependencies.
type Server struct {
	Router *chi.Mux

	logger        *slog.Logger
	store         *store.Store
	identity      *identity.Service
	orchestrator  *orchestrator.Orchestrator
	registry      *provider.Registry
	gate          *quota.Gatekeeper
	files         *attachment.Pipeline
	limiter       *ratelimit.Limiter
	adminKey      string
	defaultModels map[provider.Name]string
	startedAt     time.Time
}

// NewServer builds the router and mounts every endpoint spec.md §6 names.
// registry and gate back the stateless one-shot completion routes directly;
// orch wraps them for the conversation-bound routes.
func NewServer(cfg ServerConfig, logger *slog.Logger, st *store.Store, idSvc *identity.Service, orch *orchestrator.Orchestrator, registry *provider.Registry, gate *quota.Gatekeeper, files *attachment.Pipeline, limiter *ratelimit.Limiter, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:        chi.NewRouter(),
		logger:        logger,
		store:         st,
		identity:      idSvc,
		orchestrator:  orch,
		registry:      registry,
		gate:          gate,
		files:         files,
		limiter:       limiter,
		adminKey:      cfg.AdminKey,
		defaultModels: cfg.DefaultModels,
		startedAt:     time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.Router.Use(s.rateLimit)

	s.Router.Get("/health", s.handleHealth)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/v1/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/apple", s.handleAppleLogin)
		r.With(s.requireAuth).Post("/refresh", s.handleRefresh)
	})

	s.Router.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/chat/completions", s.handleOneShot(""))
		for _, name := range []provider.Name{provider.NameDeepSeek, provider.NameKimi, provider.NameClaude} {
			r.Post("/"+string(name)+"/v1/chat/completions", s.handleOneShot(name))
		}

		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Delete("/conversations/{id}", s.handleDeleteConversation)
		r.Post("/conversations/{id}/chat", s.handleChat)
		r.Post("/conversations/{id}/chat/stream", s.handleChatStream)
		r.Post("/conversations/{id}/upload", s.handleUpload)

		r.Get("/files/{id}", s.handleGetFile)
	})

	s.Router.Route("/admin", func(r chi.Router) {
		r.Use(RequireAdminKey(s.adminKey))
		r.Post("/tokens", s.handleAdminMintToken)
		r.Post("/users/{id}/tier", s.handleAdminChangeTier)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// rateLimit enforces the sliding-window bucket policy on every mutating
// request, per spec.md §4.3. Login is exempt (it uses the failure lockout
// instead); GETs are never limited by this middleware.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.URL.Path == "/v1/auth/login" {
			next.ServeHTTP(w, r)
			return
		}

		// This middleware runs before routing, so the request's own route
		// context has no pattern yet; resolve it against the router instead.
		pattern := r.URL.Path
		if tctx := chi.NewRouteContext(); s.Router.Match(tctx, r.Method, r.URL.Path) {
			if p := tctx.RoutePattern(); p != "" {
				pattern = p
			}
		}

		bucket := ratelimit.BucketForRoute(r.Method, pattern)
		ip := ratelimit.ClientIP(r)
		if !s.limiter.Allow(bucket, ip, pattern, time.Now().UTC()) {
			RespondError(w, http.StatusTooManyRequests, string(apperror.KindRateLimited), "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type authIdentity struct {
	token store.DeviceToken
	user  store.User
}

type authContextKey struct{}

// requireAuth resolves the bearer token and stores the (token, user) pair in
// the request context for downstream handlers.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			RespondError(w, http.StatusUnauthorized, string(apperror.KindUnauthenticated), "missing bearer token")
			return
		}

		tok, user, err := s.identity.RequireUser(r.Context(), raw)
		if err != nil {
			RespondAppError(w, s.logger, err)
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, authIdentity{token: tok, user: user})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func authFromContext(ctx context.Context) authIdentity {
	id, _ := ctx.Value(authContextKey{}).(authIdentity)
	return id
}

// defaultModelFor returns the configured fallback model name for a provider,
// used when a request omits its model field.
func (s *Server) defaultModelFor(name provider.Name) string {
	return s.defaultModels[name]
}

// tierOf resolves the effective tier for this request: the device token's
// tier is authoritative, per the DeviceToken invariant.
func tierOf(id authIdentity) identity.Tier {
	tier, ok := identity.NormalizeTier(id.token.Tier)
	if !ok {
		tier = identity.TierFree
	}
	return tier
}
