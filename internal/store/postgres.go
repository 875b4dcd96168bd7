package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, created_at, updated_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, created_at, updated_at FROM tenants ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, description, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		tenant.ID, tenant.Name, tenant.Description, tenant.CreatedAt, tenant.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Identities ---

const identityColumns = `id, tenant_id, email, name, password_hash, is_admin, role, status, notes,
	usage_limit, usage_total, daily_limit, usage_daily, daily_reset_date, created_at, updated_at`

func scanIdentity(row pgx.Row) (*models.Identity, error) {
	var (
		i       models.Identity
		roleTag string
	)
	if err := row.Scan(&i.ID, &i.TenantID, &i.Email, &i.Name, &i.PasswordHash, &i.IsAdmin, &roleTag,
		&i.Status, &i.Notes, &i.UsageLimit, &i.UsageTotal, &i.DailyLimit, &i.UsageDaily,
		&i.DailyResetDate, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return nil, err
	}
	role, err := models.ParseRole(roleTag)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", i.ID, err)
	}
	i.Role = role
	return &i, nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	i, err := scanIdentity(s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return i, nil
}

func (s *PostgresStore) GetIdentityByEmail(ctx context.Context, email string) (*models.Identity, error) {
	i, err := scanIdentity(s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE email = lower($1)`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity by email: %w", err)
	}
	return i, nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context, filter IdentityFilter) ([]*models.Identity, int, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.TenantID != nil {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argIdx))
		args = append(args, *filter.TenantID)
		argIdx++
	}
	if filter.Query != "" {
		conditions = append(conditions, fmt.Sprintf("(email ILIKE $%d OR name ILIKE $%d)", argIdx, argIdx))
		args = append(args, "%"+filter.Query+"%")
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count identities: %w", err)
	}

	_, limit, offset := filter.Normalize()
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM identities WHERE %s ORDER BY created_at ASC LIMIT $%d OFFSET $%d`,
		identityColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var identities []*models.Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan identity: %w", err)
		}
		identities = append(identities, i)
	}
	return identities, total, rows.Err()
}

func (s *PostgresStore) CreateIdentity(ctx context.Context, i *models.Identity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO identities (id, tenant_id, email, name, password_hash, is_admin, role, status, notes,
		   usage_limit, usage_total, daily_limit, usage_daily, daily_reset_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		i.ID, i.TenantID, i.Email, i.Name, i.PasswordHash, i.IsAdmin, i.Role.String(), i.Status, i.Notes,
		i.UsageLimit, i.UsageTotal, i.DailyLimit, i.UsageDaily, i.DailyResetDate, i.CreatedAt, i.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

// UpdateIdentity writes the admin-editable fields. Usage counters are owned by
// IncrementUsage, RolloverDaily and ResetUsage and are left untouched.
func (s *PostgresStore) UpdateIdentity(ctx context.Context, i *models.Identity) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET tenant_id = $2, email = $3, name = $4, password_hash = $5, is_admin = $6,
		   role = $7, status = $8, notes = $9, usage_limit = $10, daily_limit = $11, updated_at = NOW()
		 WHERE id = $1`,
		i.ID, i.TenantID, i.Email, i.Name, i.PasswordHash, i.IsAdmin, i.Role.String(), i.Status, i.Notes,
		i.UsageLimit, i.DailyLimit)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("update identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteIdentity(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Usage counters ---

func (s *PostgresStore) RolloverDaily(ctx context.Context, id uuid.UUID, today time.Time) (bool, error) {
	y, m, d := today.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET usage_daily = 0, daily_reset_date = $2, updated_at = NOW()
		 WHERE id = $1 AND daily_reset_date IS DISTINCT FROM $2`, id, day)
	if err != nil {
		return false, fmt.Errorf("rollover daily usage: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if err := s.ensureIdentity(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET usage_total = usage_total + 1, usage_daily = usage_daily + 1, updated_at = NOW()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResetUsage(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET usage_total = 0, usage_daily = 0, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ensureIdentity(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM identities WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check identity: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// --- Usage events ---

func (s *PostgresStore) AppendUsageEvent(ctx context.Context, e *models.UsageEvent) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_events (id, identity_id, tenant_id, event_type, latency_ms, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.IdentityID, e.TenantID, e.EventType, e.LatencyMS, metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append usage event: %w", err)
	}
	return nil
}

func usageWhere(filter UsageFilter) (string, []any) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.TenantID != nil {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argIdx))
		args = append(args, *filter.TenantID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, filter.Until)
	}
	return strings.Join(conditions, " AND "), args
}

func (s *PostgresStore) UsageSummary(ctx context.Context, filter UsageFilter) (*models.UsageSummary, error) {
	where, args := usageWhere(filter)
	var summary models.UsageSummary
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM usage_events WHERE "+where, args...).
		Scan(&summary.TotalEvents); err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	return &summary, nil
}

func (s *PostgresStore) UsageByIdentity(ctx context.Context, filter UsageFilter) ([]*models.IdentityUsage, error) {
	where, args := usageWhere(filter)
	rows, err := s.pool.Query(ctx,
		`SELECT identity_id, COUNT(*) FROM usage_events WHERE `+where+`
		 GROUP BY identity_id ORDER BY COUNT(*) DESC, identity_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("usage by identity: %w", err)
	}
	defer rows.Close()

	out := []*models.IdentityUsage{}
	for rows.Next() {
		var u models.IdentityUsage
		if err := rows.Scan(&u.IdentityID, &u.Count); err != nil {
			return nil, fmt.Errorf("scan identity usage: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UsageByDay(ctx context.Context, filter UsageFilter) ([]*models.DailyUsage, error) {
	where, args := usageWhere(filter)
	rows, err := s.pool.Query(ctx,
		`SELECT to_char(date_trunc('day', created_at), 'YYYY-MM-DD') AS day, COUNT(*)
		 FROM usage_events WHERE `+where+` GROUP BY day ORDER BY day`, args...)
	if err != nil {
		return nil, fmt.Errorf("usage by day: %w", err)
	}
	defer rows.Close()

	out := []*models.DailyUsage{}
	for rows.Next() {
		var u models.DailyUsage
		if err := rows.Scan(&u.Date, &u.Count); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
