package handler_test

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/tenantgate/internal/api/handler"
	mw "github.com/kiranshivaraju/tenantgate/internal/api/middleware"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/registry"
	"github.com/kiranshivaraju/tenantgate/internal/store/mock"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProber struct{ status int }

func (p stubProber) Probe(context.Context, string) (int, error) { return p.status, nil }

type upstreamEnv struct {
	store    *mock.MemoryStore
	registry *registry.Registry
	handler  http.Handler
}

func newUpstreamEnv(t *testing.T) *upstreamEnv {
	t.Helper()
	reg, err := registry.Load(filepath.Join(t.TempDir(), "config.json"), registry.Fallback{URL: "http://fallback:11434", Model: "llama3"})
	require.NoError(t, err)

	st := mock.NewMemoryStore()
	h := handler.NewUpstreams(reg, registry.NewChecker(reg, stubProber{status: 200}, time.Second, nil))
	return &upstreamEnv{
		store:    st,
		registry: reg,
		handler: authed(st, func(r chi.Router) {
			r.Route("/upstream-services", func(r chi.Router) {
				r.Use(mw.Require(authz.CapManageUpstreams))
				r.Get("/", h.List)
				r.Post("/", h.Create)
				r.Get("/current", h.Current)
				r.Get("/health", h.Health)
				r.Post("/switch", h.Switch)
				r.Put("/failover", h.Failover)
				r.Put("/{key}", h.Update)
				r.Delete("/{key}", h.Delete)
			})
		}),
	}
}

func TestUpstreams_RequiresSystemScope(t *testing.T) {
	env := newUpstreamEnv(t)
	tenantAdmin := putIdentity(t, env.store, defaultTenant, models.RoleTenantAdmin, true)
	taggedOnly := putIdentity(t, env.store, defaultTenant, models.RoleSystemAdmin, false)
	privileged := putIdentity(t, env.store, defaultTenant, models.RoleSystemAdmin, true)

	assert.Equal(t, http.StatusUnauthorized, do(t, env.handler, "GET", "/upstream-services", nil, nil).Code)
	assert.Equal(t, http.StatusForbidden, do(t, env.handler, "GET", "/upstream-services", nil, asIdentity(tenantAdmin)).Code)
	assert.Equal(t, http.StatusForbidden, do(t, env.handler, "GET", "/upstream-services", nil, asIdentity(taggedOnly)).Code)
	assert.Equal(t, http.StatusOK, do(t, env.handler, "GET", "/upstream-services", nil, asIdentity(privileged)).Code)
	assert.Equal(t, http.StatusOK, do(t, env.handler, "GET", "/upstream-services", nil, asAdmin()).Code)
}

func TestUpstreams_CreateListSwitchDelete(t *testing.T) {
	env := newUpstreamEnv(t)

	w := do(t, env.handler, "POST", "/upstream-services", map[string]any{
		"key": "backup", "name": "Backup", "url": "http://backup:11434/", "model": "mistral",
	}, asAdmin())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := dataOf(t, w)
	assert.Equal(t, "backup", created["key"])
	assert.Equal(t, "http://backup:11434", created["url"])
	assert.Equal(t, true, created["enabled"])

	w = do(t, env.handler, "POST", "/upstream-services", map[string]any{"key": "backup", "url": "http://x"}, asAdmin())
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, env.handler, "GET", "/upstream-services", nil, asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	list := dataOf(t, w)
	assert.Equal(t, "default", list["current_upstream"])
	assert.Len(t, list["upstream_services"], 2)

	w = do(t, env.handler, "POST", "/upstream-services/switch", map[string]any{"key": "backup"}, asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	current := dataOf(t, w)
	assert.Equal(t, "backup", current["key"])
	assert.Equal(t, "mistral", current["model"])

	w = do(t, env.handler, "DELETE", "/upstream-services/backup", nil, asAdmin())
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "default", env.registry.ResolveCurrent().Key)
}

func TestUpstreams_CreateValidation(t *testing.T) {
	env := newUpstreamEnv(t)

	w := do(t, env.handler, "POST", "/upstream-services", map[string]any{"url": "http://x"}, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errCode(t, w))

	w = do(t, env.handler, "POST", "/upstream-services", map[string]any{"key": "k", "url": "not a url"}, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpstreams_DeleteDefaultIsRejected(t *testing.T) {
	env := newUpstreamEnv(t)

	w := do(t, env.handler, "DELETE", "/upstream-services/default", nil, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_UPSTREAM", errCode(t, w))

	w = do(t, env.handler, "DELETE", "/upstream-services/ghost", nil, asAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpstreams_SwitchToDisabled(t *testing.T) {
	env := newUpstreamEnv(t)
	require.NoError(t, env.registry.Add("off", models.UpstreamService{URL: "http://off", Enabled: false}))

	w := do(t, env.handler, "POST", "/upstream-services/switch", map[string]any{"key": "off"}, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, env.handler, "POST", "/upstream-services/switch", map[string]any{"key": "ghost"}, asAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "default", env.registry.Snapshot().CurrentKey)
}

func TestUpstreams_UpdateDisablesCurrent(t *testing.T) {
	env := newUpstreamEnv(t)
	require.NoError(t, env.registry.Add("backup", models.UpstreamService{URL: "http://b", Enabled: true}))
	require.NoError(t, env.registry.SwitchTo("backup"))

	w := do(t, env.handler, "PUT", "/upstream-services/backup", map[string]any{"enabled": false}, asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, dataOf(t, w)["enabled"])

	w = do(t, env.handler, "GET", "/upstream-services/current", nil, asAdmin())
	current := dataOf(t, w)
	assert.Equal(t, "default", current["key"])
	assert.Equal(t, "backup", current["configured"])
}

func TestUpstreams_HealthAndFailover(t *testing.T) {
	env := newUpstreamEnv(t)
	require.NoError(t, env.registry.Add("off", models.UpstreamService{URL: "http://off", Enabled: false}))

	w := do(t, env.handler, "GET", "/upstream-services/health", nil, asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	health := dataOf(t, w)
	assert.Equal(t, "healthy", health["default"].(map[string]any)["status"])
	assert.Equal(t, "disabled", health["off"].(map[string]any)["status"])

	w = do(t, env.handler, "GET", "/upstream-services/health?cached=true", nil, asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, dataOf(t, w))

	w = do(t, env.handler, "PUT", "/upstream-services/failover", map[string]any{"enabled": false}, asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.registry.Snapshot().AutoFailover)

	w = do(t, env.handler, "PUT", "/upstream-services/failover", map[string]any{}, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
