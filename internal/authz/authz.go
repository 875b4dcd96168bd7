// Package authz resolves request credentials into an authorization context and
// decides whether that context may perform an operation.
package authz

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantgate/internal/store"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrIdentityNotFound = errors.New("identity not found")
	ErrIdentityDisabled = errors.New("identity disabled")
)

// Credential is what a caller presented. Either field may be empty.
type Credential struct {
	AdminToken  string
	IdentityRef string
}

// Empty reports whether no credential was presented at all.
func (c Credential) Empty() bool {
	return c.AdminToken == "" && c.IdentityRef == ""
}

// IdentityLookup is the slice of store.Store the authority reads from.
type IdentityLookup interface {
	GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error)
}

// Context is the resolved caller. Identity is nil for the system token.
type Context struct {
	Identity   *models.Identity
	Role       models.Role
	Privileged bool
	// TenantID is nil when the caller has no home tenant (system token).
	TenantID *uuid.UUID
}

// SystemScope reports whether the context may act across tenants. Both the
// privilege bit and the role tag must agree.
func (c *Context) SystemScope() bool {
	return c.Privileged && c.Role == models.RoleSystemAdmin
}

// EffectiveRole is the role used for capability checks. A system_admin tag
// without the privilege bit is treated as tenant-scoped.
func (c *Context) EffectiveRole() models.Role {
	if c.Role == models.RoleSystemAdmin && !c.Privileged {
		return models.RoleTenantAdmin
	}
	return c.Role
}

// Subject is a stable label for the caller, used for rate limiting and logs.
func (c *Context) Subject() string {
	if c.Identity == nil {
		return "admin-token"
	}
	return "identity:" + c.Identity.ID.String()
}

// Authority resolves credentials. It is safe for concurrent use.
type Authority struct {
	identities IdentityLookup
	adminToken string
}

// New returns an Authority. An empty adminToken disables token authentication.
func New(identities IdentityLookup, adminToken string) *Authority {
	return &Authority{identities: identities, adminToken: adminToken}
}

// Resolve maps a credential to a Context. The admin token is checked first when present.
func (a *Authority) Resolve(ctx context.Context, cred Credential) (*Context, error) {
	if cred.AdminToken != "" {
		if a.adminToken == "" || subtle.ConstantTimeCompare([]byte(cred.AdminToken), []byte(a.adminToken)) != 1 {
			return nil, fmt.Errorf("%w: invalid admin token", ErrUnauthenticated)
		}
		return &Context{Role: models.RoleSystemAdmin, Privileged: true}, nil
	}

	if cred.IdentityRef == "" {
		return nil, ErrUnauthenticated
	}

	id, err := uuid.Parse(cred.IdentityRef)
	if err != nil {
		return nil, ErrIdentityNotFound
	}
	identity, err := a.identities.GetIdentity(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	if !identity.Active() {
		return nil, ErrIdentityDisabled
	}

	tenantID := identity.TenantID
	return &Context{
		Identity:   identity,
		Role:       identity.Role,
		Privileged: identity.IsAdmin,
		TenantID:   &tenantID,
	}, nil
}
