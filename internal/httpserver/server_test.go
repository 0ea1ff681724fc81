package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/theoclaw/openclaw-proxy/internal/attachment"
	"github.com/theoclaw/openclaw-proxy/internal/identity"
	"github.com/theoclaw/openclaw-proxy/internal/orchestrator"
	"github.com/theoclaw/openclaw-proxy/internal/platform"
	"github.com/theoclaw/openclaw-proxy/internal/provider"
	"github.com/theoclaw/openclaw-proxy/internal/quota"
	"github.com/theoclaw/openclaw-proxy/internal/ratelimit"
	"github.com/theoclaw/openclaw-proxy/internal/store"
	"github.com/theoclaw/openclaw-proxy/internal/telemetry"
)

type testDeps struct {
	server *Server
	store  *store.Store
}

func newTestServer(t *testing.T, adminKey string, adapters ...provider.Adapter) testDeps {
	t.Helper()
	dir := t.TempDir()

	db, err := platform.OpenDatastore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("opening datastore: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := platform.RunMigrations(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	st := store.New(db)
	// refreshWindow > tokenTTL so a freshly minted token in tests is always
	// within its refresh window, exercising the happy path without waiting.
	idSvc := identity.New(st, identity.NewLoginLockout(), nil, "", nil, time.Hour, 24*time.Hour)
	gate := quota.NewGatekeeper(st)
	if len(adapters) == 0 {
		adapters = []provider.Adapter{provider.NewMockAdapter(provider.NameKimi), provider.NewMockAdapter(provider.NameClaude), provider.NewMockAdapter(provider.NameDeepSeek)}
	}
	registry := provider.NewRegistry(adapters...)
	files := attachment.NewPipeline(st, filepath.Join(dir, "uploads"))
	orch := orchestrator.New(st, gate, registry, files, FileURL)
	limiter := ratelimit.New()
	metricsReg := telemetry.NewMetricsRegistry()

	logger := telemetry.NewLogger("text", "error")

	srv := NewServer(ServerConfig{
		CORSAllowedOrigins: []string{"*"},
		AdminKey:           adminKey,
	}, logger, st, idSvc, orch, registry, gate, files, limiter, metricsReg)

	return testDeps{server: srv, store: st}
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

// doAdminJSON mirrors doJSON but authenticates via X-Admin-Key instead of a
// bearer token, since admin routes use a different auth mechanism.
func doAdminJSON(t *testing.T, srv *Server, path string, body any, adminKey string) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request body: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func registerUser(t *testing.T, srv *Server, email string) authResponse {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/v1/auth/register", registerRequest{
		Email:    email,
		Password: "hunter22hunter22",
		Name:     "Test User",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding register response: %v", err)
	}
	return resp
}
