package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantgate/internal/api/response"
	"github.com/kiranshivaraju/tenantgate/internal/store"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
)

// Tenants serves /api/admin/tenants. Callers must hold authz.CapManageTenants.
type Tenants struct {
	store    store.Store
	validate *validator.Validate
}

func NewTenants(s store.Store) *Tenants {
	return &Tenants{store: s, validate: newValidator()}
}

type createTenantRequest struct {
	Name        string  `json:"name"        validate:"required,max=255"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
}

func (h *Tenants) List(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.ListTenants(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, tenants)
}

func (h *Tenants) Create(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Request failed validation", map[string]string{"name": "required"})
		return
	}

	now := time.Now().UTC()
	tenant := &models.Tenant{
		ID:          uuid.New(),
		Name:        name,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateTenant(r.Context(), tenant); err != nil {
		response.FromError(w, err)
		return
	}
	response.Created(w, tenant)
}

// Delete removes a tenant with its identities and usage history. The seeded
// default tenant cannot be deleted.
func (h *Tenants) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "id must be a valid UUID", nil)
		return
	}
	if id == store.DefaultTenantID {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("tenant %s is protected", id), nil)
		return
	}
	if err := h.store.DeleteTenant(r.Context(), id); err != nil {
		response.FromError(w, err)
		return
	}
	response.NoContent(w)
}
