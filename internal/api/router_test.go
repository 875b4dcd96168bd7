package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiranshivaraju/tenantgate/internal/api"
	"github.com/kiranshivaraju/tenantgate/internal/api/handler"
	mw "github.com/kiranshivaraju/tenantgate/internal/api/middleware"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/registry"
	"github.com/kiranshivaraju/tenantgate/internal/store/mock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "s3cret"

// --- counter that never limits ---

type openCounter struct{}

func (openCounter) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

type okProber struct{}

func (okProber) Probe(context.Context, string) (int, error) { return http.StatusOK, nil }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	st := mock.NewMemoryStore()
	reg, err := registry.Load(filepath.Join(t.TempDir(), "config.json"), registry.Fallback{URL: "http://upstream:11434", Model: "llama3"})
	require.NoError(t, err)

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(authz.New(st, adminToken)),
		RateLimit: mw.NewRateLimit(openCounter{}, 60),

		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
		MetricsHandler: promhttp.Handler(),

		Accounts:  handler.NewAccounts(st),
		Upstreams: handler.NewUpstreams(reg, registry.NewChecker(reg, okProber{}, time.Second, nil)),
		Users:     handler.NewUsers(st),
		Tenants:   handler.NewTenants(st),
		Usage:     handler.NewUsage(st),
	})
}

func request(router http.Handler, method, path string, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set(mw.HeaderAdminToken, token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRouter_HealthIsPublic(t *testing.T) {
	w := request(newTestRouter(t), "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_MetricsExposed(t *testing.T) {
	router := newTestRouter(t)
	request(router, "GET", "/health", "")

	w := request(router, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tenantgate_http_requests_total")
}

func TestRouter_GenerateNotWired(t *testing.T) {
	w := request(newTestRouter(t), "POST", "/api/generate", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_IMPLEMENTED", body["error"].(map[string]any)["code"])
}

func TestRouter_AdminRoutesRequireCredentials(t *testing.T) {
	router := newTestRouter(t)
	paths := []struct{ method, path string }{
		{"GET", "/api/admin/upstream-services"},
		{"GET", "/api/admin/upstream-services/current"},
		{"GET", "/api/admin/upstream-services/health"},
		{"GET", "/api/admin/users"},
		{"GET", "/api/admin/tenants"},
		{"GET", "/api/admin/usage/summary"},
		{"GET", "/api/admin/usage/by-user"},
		{"GET", "/api/admin/usage/by-day"},
	}
	for _, p := range paths {
		t.Run(p.path, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, request(router, p.method, p.path, "").Code)
			assert.Equal(t, http.StatusOK, request(router, p.method, p.path, adminToken).Code)
		})
	}
}

func TestRouter_AccountRoutes(t *testing.T) {
	router := newTestRouter(t)

	w := request(router, "POST", "/api/users/login", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "login is public; an empty body fails validation")

	w = request(router, "POST", "/api/users/00000000-0000-0000-0000-00000000abcd/password:change", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_RateLimitHeaders(t *testing.T) {
	w := request(newTestRouter(t), "GET", "/api/admin/tenants", adminToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
}

func TestRouter_UnknownRoute(t *testing.T) {
	w := request(newTestRouter(t), "GET", "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
