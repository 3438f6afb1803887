// ABOUTME: Store interface and data types for the warren audit ledger.
// ABOUTME: Defines AuditEvent, ToolUsage structs and the Store interface for persistence.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Audit event kinds recorded by the core.
const (
	KindIsolationViolation = "isolation_violation"
	KindDegradedMode       = "degraded_mode"
	KindConnectionCritical = "connection_critical"
	KindMemoryPressure     = "memory_pressure"
)

// AuditEvent is one entry in the out-of-band audit trail. Violations
// and degraded-mode findings land here so operators can recover leaks
// and review incidents after the fact.
type AuditEvent struct {
	ID        string
	Kind      string
	UserID    string // empty for system-wide findings
	SessionID string // empty when not session-scoped
	Detail    string
	CreatedAt time.Time
}

// ToolUsage is one recorded tool invocation, kept for analytics.
type ToolUsage struct {
	ID         string
	UserID     string
	Tool       string
	DurationMS int64
	Outcome    string // "success" or "error"
	CreatedAt  time.Time
}

// UsageFilter narrows a usage-stats query. Nil fields match everything.
type UsageFilter struct {
	UserID *string
	Tool   *string
	Since  *time.Time
	Until  *time.Time
}

// UsageStats is an aggregate over recorded tool invocations.
type UsageStats struct {
	InvocationCount int64
	ErrorCount      int64
	TotalDurationMS int64
}

// Store defines the persistence interface for the audit ledger.
type Store interface {
	// Audit trail
	SaveAuditEvent(ctx context.Context, event *AuditEvent) error
	GetAuditEvent(ctx context.Context, id string) (*AuditEvent, error)
	ListAuditEvents(ctx context.Context, kind string, limit int) ([]*AuditEvent, error)

	// Tool usage analytics
	SaveToolUsage(ctx context.Context, usage *ToolUsage) error
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)

	Close() error
}
