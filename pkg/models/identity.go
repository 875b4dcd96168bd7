package models

import (
	"time"

	"github.com/google/uuid"
)

// Identity is a caller that can be metered. Quota fields are mutated only by the
// quota ledger; nil limits mean unlimited.
type Identity struct {
	ID             uuid.UUID  `db:"id"               json:"id"`
	TenantID       uuid.UUID  `db:"tenant_id"        json:"tenant_id"`
	Email          string     `db:"email"            json:"email"`
	Name           *string    `db:"name"             json:"name,omitempty"`
	PasswordHash   string     `db:"password_hash"    json:"-"`
	IsAdmin        bool       `db:"is_admin"         json:"is_admin"`
	Role           Role       `db:"role"             json:"role"`
	Status         string     `db:"status"           json:"status"`
	Notes          *string    `db:"notes"            json:"notes,omitempty"`
	UsageLimit     *int       `db:"usage_limit"      json:"usage_limit"`
	UsageTotal     int        `db:"usage_total"      json:"usage_total"`
	DailyLimit     *int       `db:"daily_limit"      json:"daily_limit"`
	UsageDaily     int        `db:"usage_daily"      json:"usage_daily"`
	DailyResetDate *time.Time `db:"daily_reset_date" json:"daily_reset_date,omitempty"`
	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"       json:"updated_at"`
}

// Active reports whether the identity may make requests.
func (i *Identity) Active() bool {
	return i.Status == StatusActive
}
