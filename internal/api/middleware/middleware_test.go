package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tenantgate/internal/api/middleware"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/store"
	"github.com/kiranshivaraju/tenantgate/internal/store/mock"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "s3cret"

// --- Mock Counter ---

type mockCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (m *mockCounter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if m.counts == nil {
		m.counts = make(map[string]int64)
	}
	m.counts[key]++
	return m.counts[key], nil
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func newIdentity(t *testing.T, st *mock.MemoryStore, role models.Role, privileged bool) *models.Identity {
	t.Helper()
	id := &models.Identity{
		ID:       uuid.New(),
		TenantID: store.DefaultTenantID,
		Email:    uuid.NewString() + "@example.com",
		Role:     role,
		IsAdmin:  privileged,
		Status:   models.StatusActive,
	}
	st.PutIdentity(id)
	return id
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ========================================
// Credential extraction
// ========================================

func TestCredentials_ReadsHeaders(t *testing.T) {
	var got authz.Credential
	h := mw.Credentials(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = mw.GetCredential(r)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(mw.HeaderAdminToken, " tok ")
	req.Header.Set(mw.HeaderUserID, "abc")
	serve(h, req)

	assert.Equal(t, authz.Credential{AdminToken: "tok", IdentityRef: "abc"}, got)
}

func TestCredentials_BearerFallback(t *testing.T) {
	var got authz.Credential
	h := mw.Credentials(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = mw.GetCredential(r)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer tok")
	serve(h, req)
	assert.Equal(t, "tok", got.AdminToken)

	req = httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	serve(h, req)
	assert.True(t, got.Empty())
}

// ========================================
// Authenticate / Require
// ========================================

func TestAuthenticate_MissingCredential(t *testing.T) {
	auth := mw.NewAuth(authz.New(mock.NewMemoryStore(), adminToken))
	h := mw.Credentials(auth.Authenticate(okHandler()))

	w := serve(h, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHENTICATED", errBody(t, w)["code"])
}

func TestAuthenticate_WrongToken(t *testing.T) {
	auth := mw.NewAuth(authz.New(mock.NewMemoryStore(), adminToken))
	h := mw.Credentials(auth.Authenticate(okHandler()))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(mw.HeaderAdminToken, "nope")
	w := serve(h, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticate_UnknownIdentity(t *testing.T) {
	auth := mw.NewAuth(authz.New(mock.NewMemoryStore(), adminToken))
	h := mw.Credentials(auth.Authenticate(okHandler()))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(mw.HeaderUserID, uuid.NewString())
	w := serve(h, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "IDENTITY_NOT_FOUND", errBody(t, w)["code"])
}

func TestAuthenticate_ValidIdentity(t *testing.T) {
	st := mock.NewMemoryStore()
	user := newIdentity(t, st, models.RoleTenantAdmin, false)
	auth := mw.NewAuth(authz.New(st, adminToken))

	var got *authz.Context
	h := mw.Credentials(auth.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = mw.GetAuth(r)
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(mw.HeaderUserID, user.ID.String())
	w := serve(h, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, user.ID, got.Identity.ID)
	assert.Equal(t, store.DefaultTenantID, *got.TenantID)
}

func TestRequire(t *testing.T) {
	st := mock.NewMemoryStore()
	user := newIdentity(t, st, models.RoleUser, false)
	tenantAdmin := newIdentity(t, st, models.RoleTenantAdmin, false)
	unprivilegedSystem := newIdentity(t, st, models.RoleSystemAdmin, false)
	auth := mw.NewAuth(authz.New(st, adminToken))

	tests := []struct {
		name   string
		header string
		value  string
		want   authz.Capability
		status int
	}{
		{"user cannot view usage", mw.HeaderUserID, user.ID.String(), authz.CapViewUsage, http.StatusForbidden},
		{"tenant admin views usage", mw.HeaderUserID, tenantAdmin.ID.String(), authz.CapViewUsage, http.StatusOK},
		{"tenant admin cannot manage upstreams", mw.HeaderUserID, tenantAdmin.ID.String(), authz.CapManageUpstreams, http.StatusForbidden},
		{"system tag without privilege bit", mw.HeaderUserID, unprivilegedSystem.ID.String(), authz.CapManageTenants, http.StatusForbidden},
		{"admin token manages upstreams", mw.HeaderAdminToken, adminToken, authz.CapManageUpstreams, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := mw.Credentials(auth.Authenticate(mw.Require(tt.want)(okHandler())))
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set(tt.header, tt.value)
			w := serve(h, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRequire_WithoutAuthenticate(t *testing.T) {
	w := serve(mw.Require(authz.CapGenerate)(okHandler()), httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{}, 60)
	h := mw.Credentials(rl.Limit(okHandler()))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(mw.HeaderUserID, "u1")
	w := serve(h, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{}, 2)
	h := mw.Credentials(rl.Limit(okHandler()))

	var w *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(mw.HeaderUserID, "u1")
		w = serve(h, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_SubjectsAreIndependent(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{}, 1)
	h := mw.Credentials(rl.Limit(okHandler()))

	for _, id := range []string{"u1", "u2"} {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(mw.HeaderUserID, id)
		assert.Equal(t, http.StatusOK, serve(h, req).Code)
	}

	anon := httptest.NewRequest("GET", "/test", nil)
	assert.Equal(t, http.StatusOK, serve(h, anon).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, anon).Code)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{err: errors.New("redis down")}, 1)
	h := mw.Credentials(rl.Limit(okHandler()))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest("GET", "/test", nil)).Code)
	}
}

func TestSubject(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "anonymous:10.0.0.7", mw.Subject(req))

	req = req.WithContext(mw.SetCredential(req.Context(), authz.Credential{AdminToken: "x"}))
	assert.Equal(t, "admin-token", mw.Subject(req))

	req = req.WithContext(mw.SetCredential(req.Context(), authz.Credential{IdentityRef: "abc"}))
	assert.Equal(t, "identity:abc", mw.Subject(req))
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := serve(mw.Recovery(panicking), httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_PanicAfterWriteKeepsStatus(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		panic("mid-stream")
	})

	w := serve(mw.Recovery(panicking), httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "partial", w.Body.String())
}

func TestRecovery_NoPanic(t *testing.T) {
	w := serve(mw.Recovery(okHandler()), httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging / Metrics Middleware Tests
// ========================================

func TestLogger_SetsStatus(t *testing.T) {
	w := serve(mw.Logger(okHandler()), httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogger_KeepsFlusher(t *testing.T) {
	var flushErr error
	h := mw.Logger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("line\n"))
		flushErr = http.NewResponseController(w).Flush()
	}))

	w := serve(h, httptest.NewRequest("GET", "/test", nil))
	assert.NoError(t, flushErr)
	assert.True(t, w.Flushed)
}

func TestMetrics_PassesThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(mw.Metrics)
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := serve(r, httptest.NewRequest("GET", "/items/42", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)

	w = serve(r, httptest.NewRequest("GET", "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
