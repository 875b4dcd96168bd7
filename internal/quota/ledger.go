// Package quota gates and records per-identity consumption.
//
// Check and commit are separate store operations. Concurrent requests from one
// identity can overshoot a limit by at most (concurrency - 1); the counters
// themselves are always incremented atomically by the store.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
)

var ErrQuotaExceeded = errors.New("quota exceeded")

const (
	ReasonTotal = "total"
	ReasonDaily = "daily"
)

// ExceededError carries which limit was hit. It matches ErrQuotaExceeded.
type ExceededError struct {
	Reason string
	Limit  int
	Used   int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: used %d of %d", e.Reason, e.Used, e.Limit)
}

func (e *ExceededError) Unwrap() error { return ErrQuotaExceeded }

// Counters is the slice of store.Store the ledger mutates.
type Counters interface {
	RolloverDaily(ctx context.Context, id uuid.UUID, today time.Time) (bool, error)
	IncrementUsage(ctx context.Context, id uuid.UUID) error
	AppendUsageEvent(ctx context.Context, event *models.UsageEvent) error
}

// EventMeta describes a committed request for the usage event.
type EventMeta struct {
	Stream   bool
	Upstream string
	Model    string
	Latency  time.Duration
}

// Ledger is safe for concurrent use.
type Ledger struct {
	counters Counters
	loc      *time.Location
	now      func() time.Time
}

// New returns a Ledger whose calendar day is evaluated in loc.
func New(counters Counters, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.Local
	}
	return &Ledger{counters: counters, loc: loc, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Today is the current calendar day at midnight in the ledger's location.
func (l *Ledger) Today() time.Time {
	y, m, d := l.now().In(l.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, l.loc)
}

// CheckAndReserve rolls the daily counter over when the stored reset date is
// not today, then fails if either limit is reached. The identity is updated in
// place to reflect the rollover.
func (l *Ledger) CheckAndReserve(ctx context.Context, identity *models.Identity) error {
	today := l.Today()

	if !sameDay(identity.DailyResetDate, today) {
		if _, err := l.counters.RolloverDaily(ctx, identity.ID, today); err != nil {
			return fmt.Errorf("rollover daily usage: %w", err)
		}
		identity.UsageDaily = 0
		identity.DailyResetDate = &today
	}

	if identity.UsageLimit != nil && identity.UsageTotal >= *identity.UsageLimit {
		return &ExceededError{Reason: ReasonTotal, Limit: *identity.UsageLimit, Used: identity.UsageTotal}
	}
	if identity.DailyLimit != nil && identity.UsageDaily >= *identity.DailyLimit {
		return &ExceededError{Reason: ReasonDaily, Limit: *identity.DailyLimit, Used: identity.UsageDaily}
	}
	return nil
}

// Commit records one unit of consumption and appends the usage event.
func (l *Ledger) Commit(ctx context.Context, identity *models.Identity, meta EventMeta) error {
	if err := l.counters.IncrementUsage(ctx, identity.ID); err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	identity.UsageTotal++
	identity.UsageDaily++

	event := &models.UsageEvent{
		ID:         uuid.New(),
		IdentityID: identity.ID,
		TenantID:   identity.TenantID,
		EventType:  models.EventTypeGenerate,
		Metadata: map[string]any{
			"stream":   meta.Stream,
			"upstream": meta.Upstream,
			"model":    meta.Model,
		},
		CreatedAt: l.now().UTC(),
	}
	if meta.Latency > 0 {
		ms := int(meta.Latency.Milliseconds())
		event.LatencyMS = &ms
	}
	if err := l.counters.AppendUsageEvent(ctx, event); err != nil {
		return fmt.Errorf("append usage event: %w", err)
	}
	return nil
}

// Remaining returns what is left under each limit; nil means unlimited. The
// daily figure assumes the counter has been rolled over for today.
func Remaining(identity *models.Identity) (total, daily *int) {
	if identity.UsageLimit != nil {
		v := max(*identity.UsageLimit-identity.UsageTotal, 0)
		total = &v
	}
	if identity.DailyLimit != nil {
		v := max(*identity.DailyLimit-identity.UsageDaily, 0)
		daily = &v
	}
	return total, daily
}

func sameDay(stored *time.Time, today time.Time) bool {
	if stored == nil {
		return false
	}
	sy, sm, sd := stored.Date()
	ty, tm, td := today.Date()
	return sy == ty && sm == tm && sd == td
}
