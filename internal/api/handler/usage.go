package handler

import (
	"net/http"
	"time"

	mw "github.com/kiranshivaraju/tenantgate/internal/api/middleware"
	"github.com/kiranshivaraju/tenantgate/internal/api/response"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/store"
)

// Usage serves /api/admin/usage. Callers must hold authz.CapViewUsage; tenant
// admins only ever see their own tenant.
type Usage struct {
	store store.Store
}

func NewUsage(s store.Store) *Usage {
	return &Usage{store: s}
}

func (h *Usage) Summary(w http.ResponseWriter, r *http.Request) {
	filter, ok := usageFilter(w, r)
	if !ok {
		return
	}
	summary, err := h.store.UsageSummary(r.Context(), filter)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, summary)
}

func (h *Usage) ByUser(w http.ResponseWriter, r *http.Request) {
	filter, ok := usageFilter(w, r)
	if !ok {
		return
	}
	rows, err := h.store.UsageByIdentity(r.Context(), filter)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, rows)
}

func (h *Usage) ByDay(w http.ResponseWriter, r *http.Request) {
	filter, ok := usageFilter(w, r)
	if !ok {
		return
	}
	rows, err := h.store.UsageByDay(r.Context(), filter)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, rows)
}

// usageFilter reads ?tenant_id=, ?start= and ?end= (RFC3339) and applies the
// caller's tenant scope.
func usageFilter(w http.ResponseWriter, r *http.Request) (store.UsageFilter, bool) {
	ac, _ := mw.GetAuth(r)

	requested, ok := tenantQuery(w, r)
	if !ok {
		return store.UsageFilter{}, false
	}
	tenantID, err := authz.TenantFilter(ac, requested)
	if err != nil {
		response.FromError(w, err)
		return store.UsageFilter{}, false
	}

	filter := store.UsageFilter{TenantID: tenantID}
	q := r.URL.Query()
	if raw := q.Get("start"); raw != "" {
		if filter.Since, err = time.Parse(time.RFC3339, raw); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "start must be a valid RFC3339 timestamp", nil)
			return store.UsageFilter{}, false
		}
	}
	if raw := q.Get("end"); raw != "" {
		if filter.Until, err = time.Parse(time.RFC3339, raw); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "end must be a valid RFC3339 timestamp", nil)
			return store.UsageFilter{}, false
		}
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && filter.Until.Before(filter.Since) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "end must not be before start", nil)
		return store.UsageFilter{}, false
	}
	return filter, true
}
