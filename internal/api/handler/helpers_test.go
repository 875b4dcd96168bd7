package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tenantgate/internal/api/middleware"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/store"
	"github.com/kiranshivaraju/tenantgate/internal/store/mock"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
	"github.com/stretchr/testify/require"
)

const adminToken = "s3cret"

// authed wraps a router with the same credential middleware the real router uses.
func authed(st *mock.MemoryStore, mount func(r chi.Router)) http.Handler {
	auth := mw.NewAuth(authz.New(st, adminToken))
	r := chi.NewRouter()
	r.Use(mw.Credentials)
	r.Use(auth.Authenticate)
	mount(r)
	return r
}

type caller func(req *http.Request)

func asAdmin() caller {
	return func(req *http.Request) { req.Header.Set(mw.HeaderAdminToken, adminToken) }
}

func asIdentity(i *models.Identity) caller {
	return func(req *http.Request) { req.Header.Set(mw.HeaderUserID, i.ID.String()) }
}

func do(t *testing.T, h http.Handler, method, path string, body any, as caller) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		as(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "expected object data, got %s", w.Body.String())
	return data
}

func listOf(t *testing.T, w *httptest.ResponseRecorder) []any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	data, ok := body["data"].([]any)
	require.True(t, ok, "expected array data, got %s", w.Body.String())
	return data
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", w.Body.String())
	return errObj["code"].(string)
}

func putIdentity(t *testing.T, st *mock.MemoryStore, tenantID uuid.UUID, role models.Role, privileged bool) *models.Identity {
	t.Helper()
	i := &models.Identity{
		ID:       uuid.New(),
		TenantID: tenantID,
		Email:    uuid.NewString() + "@example.com",
		Role:     role,
		IsAdmin:  privileged,
		Status:   models.StatusActive,
	}
	st.PutIdentity(i)
	return i
}

func putTenant(t *testing.T, st *mock.MemoryStore, name string) uuid.UUID {
	t.Helper()
	tenant := &models.Tenant{ID: uuid.New(), Name: name}
	require.NoError(t, st.CreateTenant(t.Context(), tenant))
	return tenant.ID
}

var defaultTenant = store.DefaultTenantID

func jsonUnmarshal(w *httptest.ResponseRecorder, v any) error {
	return json.Unmarshal(w.Body.Bytes(), v)
}
