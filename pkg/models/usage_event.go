package models

import (
	"time"

	"github.com/google/uuid"
)

const EventTypeGenerate = "generate"

// UsageEvent is an append-only audit record, written once per forwarded request.
type UsageEvent struct {
	ID         uuid.UUID      `db:"id"          json:"id"`
	IdentityID uuid.UUID      `db:"identity_id" json:"identity_id"`
	TenantID   uuid.UUID      `db:"tenant_id"   json:"tenant_id"`
	EventType  string         `db:"event_type"  json:"event_type"`
	LatencyMS  *int           `db:"latency_ms"  json:"latency_ms,omitempty"`
	Metadata   map[string]any `db:"metadata"    json:"metadata"`
	CreatedAt  time.Time      `db:"created_at"  json:"created_at"`
}

// UsageSummary is the total event count over a window.
type UsageSummary struct {
	TotalEvents int `json:"total_events"`
}

// IdentityUsage is the event count for a single identity.
type IdentityUsage struct {
	IdentityID uuid.UUID `json:"identity_id"`
	Count      int       `json:"count"`
}

// DailyUsage is the event count for a single calendar day (YYYY-MM-DD).
type DailyUsage struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}
