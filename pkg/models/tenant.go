// Package models contains shared data models used across the tenantgate codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is an isolation boundary. Every identity and usage event belongs to a tenant.
type Tenant struct {
	ID          uuid.UUID `db:"id"          json:"id"`
	Name        string    `db:"name"        json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at"  json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"  json:"updated_at"`
}
