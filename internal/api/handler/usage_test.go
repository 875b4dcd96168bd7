package handler_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantgate/internal/api/handler"
	mw "github.com/kiranshivaraju/tenantgate/internal/api/middleware"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/store/mock"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type usageEnv struct {
	store   *mock.MemoryStore
	handler http.Handler
	other   uuid.UUID
	admin   *models.Identity
	alice   *models.Identity
	bob     *models.Identity
}

func newUsageEnv(t *testing.T) *usageEnv {
	t.Helper()
	st := mock.NewMemoryStore()
	h := handler.NewUsage(st)
	env := &usageEnv{
		store: st,
		other: putTenant(t, st, "other-clinic"),
		handler: authed(st, func(r chi.Router) {
			r.Route("/usage", func(r chi.Router) {
				r.Use(mw.Require(authz.CapViewUsage))
				r.Get("/summary", h.Summary)
				r.Get("/by-user", h.ByUser)
				r.Get("/by-day", h.ByDay)
			})
		}),
	}
	env.admin = putIdentity(t, st, defaultTenant, models.RoleTenantAdmin, false)
	env.alice = putIdentity(t, st, defaultTenant, models.RoleUser, false)
	env.bob = putIdentity(t, st, env.other, models.RoleUser, false)

	day1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	for _, ev := range []struct {
		who *models.Identity
		at  time.Time
	}{
		{env.alice, day1}, {env.alice, day1}, {env.alice, day2}, {env.bob, day2},
	} {
		require.NoError(t, st.AppendUsageEvent(t.Context(), &models.UsageEvent{
			ID: uuid.New(), IdentityID: ev.who.ID, TenantID: ev.who.TenantID,
			EventType: models.EventTypeGenerate, CreatedAt: ev.at,
		}))
	}
	return env
}

func TestUsage_TenantAdminSeesOwnTenant(t *testing.T) {
	env := newUsageEnv(t)

	w := do(t, env.handler, "GET", "/usage/summary", nil, asIdentity(env.admin))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), dataOf(t, w)["total_events"])

	w = do(t, env.handler, "GET", "/usage/summary?tenant_id="+env.other.String(), nil, asIdentity(env.admin))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUsage_SystemAdminSeesAll(t *testing.T) {
	env := newUsageEnv(t)

	w := do(t, env.handler, "GET", "/usage/summary", nil, asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), dataOf(t, w)["total_events"])

	w = do(t, env.handler, "GET", "/usage/summary?tenant_id="+env.other.String(), nil, asAdmin())
	assert.Equal(t, float64(1), dataOf(t, w)["total_events"])
}

func TestUsage_ByUserAndByDay(t *testing.T) {
	env := newUsageEnv(t)

	w := do(t, env.handler, "GET", "/usage/by-user", nil, asIdentity(env.admin))
	require.Equal(t, http.StatusOK, w.Code)
	rows := listOf(t, w)
	require.Len(t, rows, 1)
	assert.Equal(t, env.alice.ID.String(), rows[0].(map[string]any)["identity_id"])
	assert.Equal(t, float64(3), rows[0].(map[string]any)["count"])

	w = do(t, env.handler, "GET", "/usage/by-day", nil, asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	days := listOf(t, w)
	require.Len(t, days, 2)
	assert.Equal(t, "2024-03-01", days[0].(map[string]any)["date"])
	assert.Equal(t, float64(2), days[0].(map[string]any)["count"])
	assert.Equal(t, float64(2), days[1].(map[string]any)["count"])
}

func TestUsage_TimeWindow(t *testing.T) {
	env := newUsageEnv(t)

	w := do(t, env.handler, "GET", "/usage/summary?start=2024-03-02T00:00:00Z", nil, asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), dataOf(t, w)["total_events"])

	w = do(t, env.handler, "GET", "/usage/summary?end=2024-03-02T00:00:00Z", nil, asAdmin())
	assert.Equal(t, float64(2), dataOf(t, w)["total_events"])

	w = do(t, env.handler, "GET", "/usage/summary?start=yesterday", nil, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, env.handler, "GET", "/usage/summary?start=2024-03-02T00:00:00Z&end=2024-03-01T00:00:00Z", nil, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsage_PlainUserForbidden(t *testing.T) {
	env := newUsageEnv(t)

	w := do(t, env.handler, "GET", "/usage/summary", nil, asIdentity(env.alice))
	assert.Equal(t, http.StatusForbidden, w.Code)
}
