// Package tenancy owns tenant records: the on-disk registry, token minting
// and validation, and the per-tenant state directory tree.
package tenancy

import (
	"errors"
	"regexp"
	"time"
)

// IDPattern constrains tenant identifiers.
var IDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

var (
	ErrNotFound  = errors.New("tenant not found")
	ErrExists    = errors.New("tenant already exists")
	ErrInvalidID = errors.New("invalid tenant id (expected ^[a-z0-9][a-z0-9_-]{0,31}$)")
	ErrDisabled  = errors.New("tenant disabled")
)

// Quotas caps a tenant's consumption. Nil fields mean unlimited.
type Quotas struct {
	MonthlyTokens        *int64 `json:"monthlyTokens,omitempty"`
	MonthlyTokensSoft    *int64 `json:"monthlyTokensSoft,omitempty"`
	MonthlyCostCents     *int64 `json:"monthlyCostCents,omitempty"`
	MonthlyCostCentsSoft *int64 `json:"monthlyCostCentsSoft,omitempty"`
	DiskBytes            *int64 `json:"diskBytes,omitempty"`
	ConcurrentSessions   *int   `json:"concurrentSessions,omitempty"`
	RequestsPerMinute    *int   `json:"requestsPerMinute,omitempty"`
	RequestsPerHour      *int   `json:"requestsPerHour,omitempty"`
	SandboxCPUPercent    *int   `json:"sandboxCpuPercent,omitempty"`
	SandboxMemoryBytes   *int64 `json:"sandboxMemoryBytes,omitempty"`
	SandboxDiskBytes     *int64 `json:"sandboxDiskBytes,omitempty"`
	SandboxPIDs          *int   `json:"sandboxPids,omitempty"`
}

// Tenant is a persisted registry entry. The token itself is never stored,
// only the SHA-256 of its secret.
type Tenant struct {
	ID          string     `json:"id"`
	TokenHash   string     `json:"tokenHash"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Disabled    bool       `json:"disabled,omitempty"`
	Quotas      *Quotas    `json:"quotas,omitempty"`
}

// Context is the resolved identity attached to an authenticated call.
type Context struct {
	TenantID    string
	DisplayName string
	StateDir    string
	Quotas      *Quotas
}

// UpdateRequest selects fields to overwrite on a tenant entry.
type UpdateRequest struct {
	DisplayName *string `json:"displayName,omitempty"`
	Disabled    *bool   `json:"disabled,omitempty"`
	Quotas      *Quotas `json:"quotas,omitempty"`
}

// EventType identifies registry change notifications.
type EventType string

const (
	EventDisabled EventType = "disabled"
	EventRemoved  EventType = "removed"
)

// Event is delivered to OnChange hooks after the registry has been saved.
type Event struct {
	Type     EventType
	TenantID string
}
