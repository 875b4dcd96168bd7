package models

import (
	"fmt"
	"strings"
)

// Role is the closed set of identity roles, ordered by privilege.
type Role int

const (
	RoleUnknown Role = iota
	RoleUser
	RoleTenantAdmin
	RoleSystemAdmin
)

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

var roleTags = map[Role]string{
	RoleUser:        "user",
	RoleTenantAdmin: "tenant_admin",
	RoleSystemAdmin: "system_admin",
}

// legacy tags written by older deployments
var roleAliases = map[string]Role{
	"admin":          RoleSystemAdmin,
	"hospital_admin": RoleTenantAdmin,
}

func (r Role) String() string {
	if tag, ok := roleTags[r]; ok {
		return tag
	}
	return "unknown"
}

// AtLeast reports whether r ranks at or above other.
func (r Role) AtLeast(other Role) bool {
	return r >= other
}

// ParseRole maps a stored role tag to a Role.
func ParseRole(tag string) (Role, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for r, t := range roleTags {
		if t == tag {
			return r, nil
		}
	}
	if r, ok := roleAliases[tag]; ok {
		return r, nil
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", tag)
}

func (r Role) MarshalText() ([]byte, error) {
	if r == RoleUnknown {
		return nil, fmt.Errorf("cannot marshal unknown role")
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
