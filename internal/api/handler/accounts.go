package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	mw "github.com/kiranshivaraju/tenantgate/internal/api/middleware"
	"github.com/kiranshivaraju/tenantgate/internal/api/response"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/store"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// Accounts serves the identity-facing endpoints under /api/users. Login hands
// back the identity whose id clients send as X-User-ID.
type Accounts struct {
	store      store.Store
	validate   *validator.Validate
	bcryptCost int
}

func NewAccounts(s store.Store) *Accounts {
	return &Accounts{store: s, validate: newValidator(), bcryptCost: bcrypt.DefaultCost}
}

// WithBcryptCost lowers the hashing cost. Intended for tests.
func (h *Accounts) WithBcryptCost(cost int) *Accounts {
	h.bcryptCost = cost
	return h
}

type loginRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=72"`
}

// Login checks email and password. Unknown addresses and wrong passwords get
// the same 401; a disabled identity is reported only after the password matches.
func (h *Accounts) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	identity, err := h.store.GetIdentityByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if errors.Is(err, store.ErrNotFound) {
		invalidCredentials(w)
		return
	}
	if err != nil {
		response.FromError(w, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(req.Password)) != nil {
		invalidCredentials(w)
		return
	}
	if !identity.Active() {
		response.FromError(w, authz.ErrIdentityDisabled)
		return
	}
	response.JSON(w, newUserView(identity))
}

// ChangePassword replaces a password after checking the old one. The caller must
// be the identity itself or administer its tenant.
func (h *Accounts) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ac, _ := mw.GetAuth(r)

	identity, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := authz.AuthorizeSelf(ac, identity); err != nil {
		response.FromError(w, err)
		return
	}

	var req changePasswordRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(req.OldPassword)) != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_PASSWORD", "Current password is incorrect", nil)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), h.bcryptCost)
	if err != nil {
		response.FromError(w, fmt.Errorf("hash password: %w", err))
		return
	}
	identity.PasswordHash = string(hash)
	if err := h.store.UpdateIdentity(r.Context(), identity); err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, map[string]string{"status": "password_changed"})
}

func (h *Accounts) load(w http.ResponseWriter, r *http.Request) (*models.Identity, bool) {
	id, ok := identityParam(w, r)
	if !ok {
		return nil, false
	}
	identity, err := h.store.GetIdentity(r.Context(), id)
	if err != nil {
		response.FromError(w, err)
		return nil, false
	}
	return identity, true
}

func invalidCredentials(w http.ResponseWriter) {
	response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
}
