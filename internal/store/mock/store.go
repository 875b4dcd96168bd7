// Package mock provides an in-memory store.Store for tests.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantgate/internal/store"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
)

// MemoryStore satisfies store.Store with maps guarded by a mutex. Returned values
// are copies, so callers cannot mutate stored state by accident.
type MemoryStore struct {
	mu         sync.Mutex
	tenants    map[uuid.UUID]*models.Tenant
	identities map[uuid.UUID]*models.Identity
	events     []*models.UsageEvent
	failures   map[string]error
}

// NewMemoryStore returns an empty store seeded with the default tenant.
func NewMemoryStore() *MemoryStore {
	now := time.Now().UTC()
	s := &MemoryStore{
		tenants:    make(map[uuid.UUID]*models.Tenant),
		identities: make(map[uuid.UUID]*models.Identity),
		failures:   make(map[string]error),
	}
	s.tenants[store.DefaultTenantID] = &models.Tenant{
		ID: store.DefaultTenantID, Name: "default", CreatedAt: now, UpdatedAt: now,
	}
	return s
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *MemoryStore) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// Events returns a copy of every appended usage event in insertion order.
func (s *MemoryStore) Events() []models.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UsageEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	return out
}

// PutIdentity inserts or replaces an identity without validation, counters included.
func (s *MemoryStore) PutIdentity(i *models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *i
	s.identities[i.ID] = &cp
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures["Ping"]
}

// --- Tenants ---

func (s *MemoryStore) GetTenant(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["GetTenant"]; err != nil {
		return nil, err
	}
	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTenants(_ context.Context) ([]*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["ListTenants"]; err != nil {
		return nil, err
	}
	out := make([]*models.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateTenant(_ context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["CreateTenant"]; err != nil {
		return err
	}
	for _, t := range s.tenants {
		if t.ID == tenant.ID || t.Name == tenant.Name {
			return store.ErrDuplicateKey
		}
	}
	cp := *tenant
	s.tenants[tenant.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteTenant(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["DeleteTenant"]; err != nil {
		return err
	}
	if _, ok := s.tenants[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.tenants, id)
	for iid, i := range s.identities {
		if i.TenantID == id {
			delete(s.identities, iid)
		}
	}
	kept := s.events[:0]
	for _, e := range s.events {
		if e.TenantID != id {
			kept = append(kept, e)
		}
	}
	s.events = kept
	return nil
}

// --- Identities ---

func (s *MemoryStore) GetIdentity(_ context.Context, id uuid.UUID) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["GetIdentity"]; err != nil {
		return nil, err
	}
	i, ok := s.identities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (s *MemoryStore) GetIdentityByEmail(_ context.Context, email string) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["GetIdentityByEmail"]; err != nil {
		return nil, err
	}
	email = strings.ToLower(email)
	for _, i := range s.identities {
		if i.Email == email {
			cp := *i
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *MemoryStore) ListIdentities(_ context.Context, filter store.IdentityFilter) ([]*models.Identity, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["ListIdentities"]; err != nil {
		return nil, 0, err
	}

	q := strings.ToLower(filter.Query)
	var matched []*models.Identity
	for _, i := range s.identities {
		if filter.TenantID != nil && i.TenantID != *filter.TenantID {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(i.Email), q) &&
			(i.Name == nil || !strings.Contains(strings.ToLower(*i.Name), q)) {
			continue
		}
		cp := *i
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].Email < matched[b].Email
		}
		return matched[a].CreatedAt.Before(matched[b].CreatedAt)
	})

	total := len(matched)
	_, limit, offset := filter.Normalize()
	if offset >= total {
		return []*models.Identity{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStore) CreateIdentity(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["CreateIdentity"]; err != nil {
		return err
	}
	if _, ok := s.tenants[identity.TenantID]; !ok {
		return store.ErrNotFound
	}
	for _, i := range s.identities {
		if i.ID == identity.ID || i.Email == identity.Email {
			return store.ErrDuplicateKey
		}
	}
	cp := *identity
	s.identities[identity.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateIdentity(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["UpdateIdentity"]; err != nil {
		return err
	}
	existing, ok := s.identities[identity.ID]
	if !ok {
		return store.ErrNotFound
	}
	for _, i := range s.identities {
		if i.ID != identity.ID && i.Email == identity.Email {
			return store.ErrDuplicateKey
		}
	}
	existing.TenantID = identity.TenantID
	existing.Email = identity.Email
	existing.Name = identity.Name
	existing.PasswordHash = identity.PasswordHash
	existing.IsAdmin = identity.IsAdmin
	existing.Role = identity.Role
	existing.Status = identity.Status
	existing.Notes = identity.Notes
	existing.UsageLimit = identity.UsageLimit
	existing.DailyLimit = identity.DailyLimit
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteIdentity(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["DeleteIdentity"]; err != nil {
		return err
	}
	if _, ok := s.identities[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.identities, id)
	kept := s.events[:0]
	for _, e := range s.events {
		if e.IdentityID != id {
			kept = append(kept, e)
		}
	}
	s.events = kept
	return nil
}

// --- Usage counters ---

func (s *MemoryStore) RolloverDaily(_ context.Context, id uuid.UUID, today time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["RolloverDaily"]; err != nil {
		return false, err
	}
	i, ok := s.identities[id]
	if !ok {
		return false, store.ErrNotFound
	}
	y, m, d := today.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if i.DailyResetDate != nil && i.DailyResetDate.Equal(day) {
		return false, nil
	}
	i.UsageDaily = 0
	i.DailyResetDate = &day
	return true, nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["IncrementUsage"]; err != nil {
		return err
	}
	i, ok := s.identities[id]
	if !ok {
		return store.ErrNotFound
	}
	i.UsageTotal++
	i.UsageDaily++
	return nil
}

func (s *MemoryStore) ResetUsage(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["ResetUsage"]; err != nil {
		return err
	}
	i, ok := s.identities[id]
	if !ok {
		return store.ErrNotFound
	}
	i.UsageTotal = 0
	i.UsageDaily = 0
	return nil
}

// --- Usage events ---

func (s *MemoryStore) AppendUsageEvent(_ context.Context, event *models.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["AppendUsageEvent"]; err != nil {
		return err
	}
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) matching(filter store.UsageFilter) []*models.UsageEvent {
	var out []*models.UsageEvent
	for _, e := range s.events {
		if filter.TenantID != nil && e.TenantID != *filter.TenantID {
			continue
		}
		if !filter.Since.IsZero() && e.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !e.CreatedAt.Before(filter.Until) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *MemoryStore) UsageSummary(_ context.Context, filter store.UsageFilter) (*models.UsageSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["UsageSummary"]; err != nil {
		return nil, err
	}
	return &models.UsageSummary{TotalEvents: len(s.matching(filter))}, nil
}

func (s *MemoryStore) UsageByIdentity(_ context.Context, filter store.UsageFilter) ([]*models.IdentityUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["UsageByIdentity"]; err != nil {
		return nil, err
	}
	counts := make(map[uuid.UUID]int)
	for _, e := range s.matching(filter) {
		counts[e.IdentityID]++
	}
	out := make([]*models.IdentityUsage, 0, len(counts))
	for id, n := range counts {
		out = append(out, &models.IdentityUsage{IdentityID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].IdentityID.String() < out[j].IdentityID.String()
		}
		return out[i].Count > out[j].Count
	})
	return out, nil
}

func (s *MemoryStore) UsageByDay(_ context.Context, filter store.UsageFilter) ([]*models.DailyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["UsageByDay"]; err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, e := range s.matching(filter) {
		counts[e.CreatedAt.UTC().Format("2006-01-02")]++
	}
	out := make([]*models.DailyUsage, 0, len(counts))
	for day, n := range counts {
		out = append(out, &models.DailyUsage{Date: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// Compile-time check that MemoryStore implements store.Store.
var _ store.Store = (*MemoryStore)(nil)
