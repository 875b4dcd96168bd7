package handler_test

import (
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantgate/internal/api/handler"
	mw "github.com/kiranshivaraju/tenantgate/internal/api/middleware"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/store"
	"github.com/kiranshivaraju/tenantgate/internal/store/mock"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tenantsRouter(st *mock.MemoryStore) http.Handler {
	h := handler.NewTenants(st)
	return authed(st, func(r chi.Router) {
		r.Route("/tenants", func(r chi.Router) {
			r.Use(mw.Require(authz.CapManageTenants))
			r.Get("/", h.List)
			r.Post("/", h.Create)
			r.Delete("/{id}", h.Delete)
		})
	})
}

func TestTenants_CreateAndList(t *testing.T) {
	st := mock.NewMemoryStore()
	h := tenantsRouter(st)

	w := do(t, h, "POST", "/tenants", map[string]any{"name": "  north-clinic ", "description": "second site"}, asAdmin())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "north-clinic", dataOf(t, w)["name"])

	w = do(t, h, "POST", "/tenants", map[string]any{"name": "north-clinic"}, asAdmin())
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, "POST", "/tenants", map[string]any{"name": "   "}, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "GET", "/tenants", nil, asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, listOf(t, w), 2)
}

func TestTenants_TenantAdminForbidden(t *testing.T) {
	st := mock.NewMemoryStore()
	admin := putIdentity(t, st, defaultTenant, models.RoleTenantAdmin, true)

	w := do(t, tenantsRouter(st), "GET", "/tenants", nil, asIdentity(admin))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTenants_DeleteCascades(t *testing.T) {
	st := mock.NewMemoryStore()
	h := tenantsRouter(st)
	id := putTenant(t, st, "short-lived")
	member := putIdentity(t, st, id, models.RoleUser, false)

	w := do(t, h, "DELETE", "/tenants/"+id.String(), nil, asAdmin())
	require.Equal(t, http.StatusNoContent, w.Code)

	_, err := st.GetIdentity(t.Context(), member.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	w = do(t, h, "DELETE", "/tenants/"+uuid.NewString(), nil, asAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTenants_DefaultIsProtected(t *testing.T) {
	st := mock.NewMemoryStore()

	w := do(t, tenantsRouter(st), "DELETE", "/tenants/"+store.DefaultTenantID.String(), nil, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := st.GetTenant(t.Context(), store.DefaultTenantID)
	assert.NoError(t, err)
}
