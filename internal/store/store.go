package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// DefaultTenantID is the tenant seeded by the initial migration.
var DefaultTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	ListTenants(ctx context.Context) ([]*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	// DeleteTenant removes the tenant together with its identities and usage events.
	DeleteTenant(ctx context.Context, id uuid.UUID) error

	GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	// GetIdentityByEmail matches the lowercased address.
	GetIdentityByEmail(ctx context.Context, email string) (*models.Identity, error)
	ListIdentities(ctx context.Context, filter IdentityFilter) ([]*models.Identity, int, error)
	CreateIdentity(ctx context.Context, identity *models.Identity) error
	UpdateIdentity(ctx context.Context, identity *models.Identity) error
	DeleteIdentity(ctx context.Context, id uuid.UUID) error

	// RolloverDaily zeroes usage_daily and stamps daily_reset_date when the stored
	// date differs from today. It reports whether a reset happened.
	RolloverDaily(ctx context.Context, id uuid.UUID, today time.Time) (bool, error)
	// IncrementUsage adds one to usage_total and usage_daily in a single statement.
	IncrementUsage(ctx context.Context, id uuid.UUID) error
	ResetUsage(ctx context.Context, id uuid.UUID) error

	AppendUsageEvent(ctx context.Context, event *models.UsageEvent) error
	UsageSummary(ctx context.Context, filter UsageFilter) (*models.UsageSummary, error)
	UsageByIdentity(ctx context.Context, filter UsageFilter) ([]*models.IdentityUsage, error)
	UsageByDay(ctx context.Context, filter UsageFilter) ([]*models.DailyUsage, error)
}

// IdentityFilter narrows ListIdentities. A nil TenantID lists every tenant.
// Query matches email or name by substring.
type IdentityFilter struct {
	TenantID *uuid.UUID
	Query    string
	Page     int
	Limit    int
}

// UsageFilter narrows usage aggregations. Zero times leave the window open.
type UsageFilter struct {
	TenantID *uuid.UUID
	Since    time.Time
	Until    time.Time
}

// Normalize clamps pagination to sane bounds and returns the offset.
func (f IdentityFilter) Normalize() (page, limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page = f.Page
	if page <= 0 {
		page = 1
	}
	return page, limit, (page - 1) * limit
}

// DateOnly truncates t to midnight in its own location.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
