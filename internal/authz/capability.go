package authz

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
)

// Capability is an operation class guarded by a minimum role.
type Capability int

const (
	CapGenerate Capability = iota
	CapViewUsage
	CapManageIdentities
	CapManageUpstreams
	CapManageTenants
)

var capabilityRoles = map[Capability]models.Role{
	CapGenerate:         models.RoleUser,
	CapViewUsage:        models.RoleTenantAdmin,
	CapManageIdentities: models.RoleTenantAdmin,
	CapManageUpstreams:  models.RoleSystemAdmin,
	CapManageTenants:    models.RoleSystemAdmin,
}

var capabilityNames = map[Capability]string{
	CapGenerate:         "generate",
	CapViewUsage:        "view_usage",
	CapManageIdentities: "manage_identities",
	CapManageUpstreams:  "manage_upstreams",
	CapManageTenants:    "manage_tenants",
}

func (c Capability) String() string {
	if n, ok := capabilityNames[c]; ok {
		return n
	}
	return "unknown"
}

// Authorize is the single capability decision. System-level capabilities need
// the privilege bit and the system_admin tag together.
func Authorize(c *Context, want Capability) error {
	if c == nil {
		return ErrUnauthenticated
	}
	required, ok := capabilityRoles[want]
	if !ok {
		return fmt.Errorf("%w: unknown capability", ErrForbidden)
	}
	if required == models.RoleSystemAdmin {
		if !c.SystemScope() {
			return fmt.Errorf("%w: %s requires system admin", ErrForbidden, want)
		}
		return nil
	}
	if !c.EffectiveRole().AtLeast(required) {
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, want, required)
	}
	return nil
}

// AuthorizeTenant checks want and, unless the context has system scope, that the
// target belongs to the caller's tenant.
func AuthorizeTenant(c *Context, want Capability, target uuid.UUID) error {
	if err := Authorize(c, want); err != nil {
		return err
	}
	if c.SystemScope() {
		return nil
	}
	if c.TenantID == nil || *c.TenantID != target {
		return fmt.Errorf("%w: tenant mismatch", ErrForbidden)
	}
	return nil
}

// AuthorizeSelf permits access only to the caller's own identity, unless the
// caller administers the identity's tenant.
func AuthorizeSelf(c *Context, target *models.Identity) error {
	if c == nil {
		return ErrUnauthenticated
	}
	if c.Identity != nil && c.Identity.ID == target.ID {
		return nil
	}
	return AuthorizeTenant(c, CapManageIdentities, target.TenantID)
}

// TenantFilter returns the tenant a listing must be restricted to, or nil for
// system scope. requested narrows a system-scope listing.
func TenantFilter(c *Context, requested *uuid.UUID) (*uuid.UUID, error) {
	if c.SystemScope() {
		return requested, nil
	}
	if c.TenantID == nil {
		return nil, fmt.Errorf("%w: no tenant", ErrForbidden)
	}
	if requested != nil && *requested != *c.TenantID {
		return nil, fmt.Errorf("%w: tenant mismatch", ErrForbidden)
	}
	return c.TenantID, nil
}
