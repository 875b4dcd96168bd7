package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tenantgate/internal/api/middleware"
	"github.com/kiranshivaraju/tenantgate/internal/api/response"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/quota"
	"github.com/kiranshivaraju/tenantgate/internal/store"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// Users serves /api/admin/users. Every operation is scoped to the caller's
// tenant unless the caller has system scope.
type Users struct {
	store      store.Store
	validate   *validator.Validate
	bcryptCost int
}

func NewUsers(s store.Store) *Users {
	return &Users{store: s, validate: newValidator(), bcryptCost: bcrypt.DefaultCost}
}

// WithBcryptCost lowers the hashing cost. Intended for tests.
func (h *Users) WithBcryptCost(cost int) *Users {
	h.bcryptCost = cost
	return h
}

// optionalInt tells an absent field apart from an explicit null, which clears a limit.
type optionalInt struct {
	Set   bool
	Value *int
}

func (o *optionalInt) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(b, []byte("null")) {
		o.Value = nil
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	o.Value = &n
	return nil
}

func (o optionalInt) valid() bool {
	return o.Value == nil || *o.Value >= 0
}

type createUserRequest struct {
	TenantID   *uuid.UUID  `json:"tenant_id"`
	Email      string      `json:"email"       validate:"required,email,max=255"`
	Password   string      `json:"password"    validate:"required,min=8,max=72"`
	Name       *string     `json:"name"        validate:"omitempty,max=255"`
	Role       models.Role `json:"role"`
	IsAdmin    bool        `json:"is_admin"`
	Notes      *string     `json:"notes"`
	UsageLimit optionalInt `json:"usage_limit"`
	DailyLimit optionalInt `json:"daily_limit"`
}

type updateUserRequest struct {
	TenantID   *uuid.UUID   `json:"tenant_id"`
	Email      *string      `json:"email"       validate:"omitempty,email,max=255"`
	Name       *string      `json:"name"        validate:"omitempty,max=255"`
	Role       *models.Role `json:"role"`
	IsAdmin    *bool        `json:"is_admin"`
	Status     *string      `json:"status"      validate:"omitempty,oneof=active disabled"`
	Notes      *string      `json:"notes"`
	UsageLimit optionalInt  `json:"usage_limit"`
	DailyLimit optionalInt  `json:"daily_limit"`
}

type resetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type userView struct {
	*models.Identity
	RemainingTotal *int `json:"remaining_total"`
	RemainingDaily *int `json:"remaining_daily"`
}

func newUserView(i *models.Identity) userView {
	total, daily := quota.Remaining(i)
	return userView{Identity: i, RemainingTotal: total, RemainingDaily: daily}
}

// List supports ?tenant_id=, ?q=, ?page= and ?limit=.
func (h *Users) List(w http.ResponseWriter, r *http.Request) {
	ac, _ := mw.GetAuth(r)

	requested, ok := tenantQuery(w, r)
	if !ok {
		return
	}
	tenantID, err := authz.TenantFilter(ac, requested)
	if err != nil {
		response.FromError(w, err)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	filter := store.IdentityFilter{
		TenantID: tenantID,
		Query:    strings.TrimSpace(r.URL.Query().Get("q")),
		Page:     page,
		Limit:    limit,
	}

	identities, total, err := h.store.ListIdentities(r.Context(), filter)
	if err != nil {
		response.FromError(w, err)
		return
	}

	views := make([]userView, 0, len(identities))
	for _, i := range identities {
		views = append(views, newUserView(i))
	}
	page, limit, _ = filter.Normalize()
	response.Collection(w, views, response.NewPaginationMeta(page, limit, total))
}

func (h *Users) Create(w http.ResponseWriter, r *http.Request) {
	ac, _ := mw.GetAuth(r)

	var req createUserRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	if !req.UsageLimit.valid() || !req.DailyLimit.valid() {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Limits must not be negative", nil)
		return
	}

	tenantID := store.DefaultTenantID
	switch {
	case req.TenantID != nil:
		tenantID = *req.TenantID
	case ac.TenantID != nil:
		tenantID = *ac.TenantID
	}
	if err := authz.AuthorizeTenant(ac, authz.CapManageIdentities, tenantID); err != nil {
		response.FromError(w, err)
		return
	}

	role := req.Role
	if role == models.RoleUnknown {
		role = models.RoleUser
	}
	if err := checkGrant(ac, role, req.IsAdmin); err != nil {
		response.FromError(w, err)
		return
	}

	if _, err := h.store.GetTenant(r.Context(), tenantID); err != nil {
		response.FromError(w, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.bcryptCost)
	if err != nil {
		response.FromError(w, fmt.Errorf("hash password: %w", err))
		return
	}

	now := time.Now().UTC()
	identity := &models.Identity{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Name:         req.Name,
		PasswordHash: string(hash),
		IsAdmin:      req.IsAdmin,
		Role:         role,
		Status:       models.StatusActive,
		Notes:        req.Notes,
		UsageLimit:   req.UsageLimit.Value,
		DailyLimit:   req.DailyLimit.Value,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.CreateIdentity(r.Context(), identity); err != nil {
		response.FromError(w, err)
		return
	}
	response.Created(w, newUserView(identity))
}

func (h *Users) Update(w http.ResponseWriter, r *http.Request) {
	ac, _ := mw.GetAuth(r)

	identity, ok := h.loadManaged(w, r, ac)
	if !ok {
		return
	}

	var req updateUserRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	if !req.UsageLimit.valid() || !req.DailyLimit.valid() {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Limits must not be negative", nil)
		return
	}

	if req.TenantID != nil && *req.TenantID != identity.TenantID {
		if !ac.SystemScope() {
			response.FromError(w, fmt.Errorf("%w: cannot move identity across tenants", authz.ErrForbidden))
			return
		}
		if _, err := h.store.GetTenant(r.Context(), *req.TenantID); err != nil {
			response.FromError(w, err)
			return
		}
		identity.TenantID = *req.TenantID
	}

	role, isAdmin := identity.Role, identity.IsAdmin
	if req.Role != nil {
		role = *req.Role
	}
	if req.IsAdmin != nil {
		isAdmin = *req.IsAdmin
	}
	if role != identity.Role || isAdmin != identity.IsAdmin {
		if err := checkGrant(ac, role, isAdmin); err != nil {
			response.FromError(w, err)
			return
		}
	}
	identity.Role, identity.IsAdmin = role, isAdmin

	if req.Email != nil {
		identity.Email = strings.ToLower(strings.TrimSpace(*req.Email))
	}
	if req.Name != nil {
		identity.Name = req.Name
	}
	if req.Status != nil {
		identity.Status = *req.Status
	}
	if req.Notes != nil {
		identity.Notes = req.Notes
	}
	if req.UsageLimit.Set {
		identity.UsageLimit = req.UsageLimit.Value
	}
	if req.DailyLimit.Set {
		identity.DailyLimit = req.DailyLimit.Value
	}

	if err := h.store.UpdateIdentity(r.Context(), identity); err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, newUserView(identity))
}

func (h *Users) Delete(w http.ResponseWriter, r *http.Request) {
	ac, _ := mw.GetAuth(r)

	identity, ok := h.loadManaged(w, r, ac)
	if !ok {
		return
	}
	if ac.Identity != nil && ac.Identity.ID == identity.ID {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Cannot delete your own identity", nil)
		return
	}
	if err := h.store.DeleteIdentity(r.Context(), identity.ID); err != nil {
		response.FromError(w, err)
		return
	}
	response.NoContent(w)
}

// ResetUsage zeroes both counters.
func (h *Users) ResetUsage(w http.ResponseWriter, r *http.Request) {
	ac, _ := mw.GetAuth(r)

	identity, ok := h.loadManaged(w, r, ac)
	if !ok {
		return
	}
	if err := h.store.ResetUsage(r.Context(), identity.ID); err != nil {
		response.FromError(w, err)
		return
	}

	updated, err := h.store.GetIdentity(r.Context(), identity.ID)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, newUserView(updated))
}

func (h *Users) ResetPassword(w http.ResponseWriter, r *http.Request) {
	ac, _ := mw.GetAuth(r)

	identity, ok := h.loadManaged(w, r, ac)
	if !ok {
		return
	}

	var req resetPasswordRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.bcryptCost)
	if err != nil {
		response.FromError(w, fmt.Errorf("hash password: %w", err))
		return
	}
	identity.PasswordHash = string(hash)

	if err := h.store.UpdateIdentity(r.Context(), identity); err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, map[string]string{"status": "password_reset"})
}

// loadManaged fetches the {id} identity and checks the caller administers its tenant.
func (h *Users) loadManaged(w http.ResponseWriter, r *http.Request, ac *authz.Context) (*models.Identity, bool) {
	id, ok := identityParam(w, r)
	if !ok {
		return nil, false
	}

	identity, err := h.store.GetIdentity(r.Context(), id)
	if err != nil {
		response.FromError(w, err)
		return nil, false
	}
	if err := authz.AuthorizeTenant(ac, authz.CapManageIdentities, identity.TenantID); err != nil {
		response.FromError(w, err)
		return nil, false
	}
	return identity, true
}

func identityParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "id must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// checkGrant keeps tenant admins from handing out system-level access.
func checkGrant(ac *authz.Context, role models.Role, privileged bool) error {
	if ac.SystemScope() {
		return nil
	}
	if privileged {
		return fmt.Errorf("%w: only system admins may grant the admin flag", authz.ErrForbidden)
	}
	if role == models.RoleSystemAdmin {
		return fmt.Errorf("%w: only system admins may assign %s", authz.ErrForbidden, role)
	}
	return nil
}

// tenantQuery parses an optional ?tenant_id=.
func tenantQuery(w http.ResponseWriter, r *http.Request) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get("tenant_id")
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "tenant_id must be a valid UUID", nil)
		return nil, false
	}
	return &id, true
}
