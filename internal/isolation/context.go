// ABOUTME: Execution context and isolated resource types for the tenancy registry.
// ABOUTME: Defines isolation levels, context states, resource limits, and report structs.

package isolation

import (
	"time"
)

// Level is the granularity at which a user's execution is separated
// from others'. PROCESS is the strongest separation, USER the weakest.
type Level string

const (
	LevelProcess Level = "process"
	LevelThread  Level = "thread"
	LevelSession Level = "session"
	LevelUser    Level = "user"
)

// Valid reports whether the level is one of the defined values.
func (l Level) Valid() bool {
	switch l {
	case LevelProcess, LevelThread, LevelSession, LevelUser:
		return true
	}
	return false
}

// State is the lifecycle state of an execution context.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateSuspended    State = "suspended"
	StateCleaningUp   State = "cleaning_up"
	StateTerminated   State = "terminated"
)

// Resource limit names. Every context carries an integer ceiling for each.
const (
	LimitMaxMemoryMB         = "max_memory_mb"
	LimitMaxExecutionSeconds = "max_execution_seconds"
	LimitMaxConcurrentAgents = "max_concurrent_agents"
	LimitMaxConnections      = "max_connections"
	LimitMaxCacheEntries     = "max_cache_entries"
)

// DefaultLimits returns the baseline resource ceilings. Caller-supplied
// limits are merged over these at context creation.
func DefaultLimits() map[string]int {
	return map[string]int{
		LimitMaxMemoryMB:         512,
		LimitMaxExecutionSeconds: 300,
		LimitMaxConcurrentAgents: 2,
		LimitMaxConnections:      3,
		LimitMaxCacheEntries:     1000,
	}
}

// Resource types provisioned for every context.
const (
	ResourceDBConnectionSlot = "db_connection_slot"
	ResourceCacheNamespace   = "cache_namespace"
	ResourceMemoryAllocation = "memory_allocation"
)

// Resource is a unit of ownership held by exactly one execution context.
type Resource struct {
	ID                string
	Type              string
	OwnerUserID       string
	OwnerSessionID    string
	CreatedAt         time.Time
	LastAccessed      time.Time
	AccessCount       int64
	CleanupRegistered bool
}

// cleanupAction is a named cleanup step executed during context teardown.
// Actions run in registration order; one failure does not stop the rest.
type cleanupAction struct {
	name string
	fn   func() error
}

// execContext is the registry's internal, mutable representation of an
// execution context. All mutation happens under the registry mutex.
type execContext struct {
	id        string
	userID    string
	sessionID string
	runID     string
	level     Level
	limits    map[string]int
	state     State
	createdAt time.Time
	resources map[string]*Resource
	cleanups  []cleanupAction
}

// ContextInfo is a point-in-time snapshot of an execution context,
// returned by registry operations so callers never hold live state.
type ContextInfo struct {
	ID        string
	UserID    string
	SessionID string
	RunID     string
	Level     Level
	Limits    map[string]int
	State     State
	CreatedAt time.Time
	Resources []Resource
}

// snapshot builds a ContextInfo copy. Must be called with the registry
// mutex held.
func (c *execContext) snapshot() ContextInfo {
	limits := make(map[string]int, len(c.limits))
	for k, v := range c.limits {
		limits[k] = v
	}
	resources := make([]Resource, 0, len(c.resources))
	for _, r := range c.resources {
		resources = append(resources, *r)
	}
	return ContextInfo{
		ID:        c.id,
		UserID:    c.userID,
		SessionID: c.sessionID,
		RunID:     c.runID,
		Level:     c.level,
		Limits:    limits,
		State:     c.state,
		CreatedAt: c.createdAt,
		Resources: resources,
	}
}

// ValidationReport describes whether a single context is leak-free and
// contamination-free. Findings are human-readable explanations of any
// failed check.
type ValidationReport struct {
	ContextID         string
	LeakFree          bool
	ContaminationFree bool
	Findings          []string
}

// CleanupFailure records one cleanup action that failed during teardown.
type CleanupFailure struct {
	Name  string
	Error string
}

// CleanupResult summarizes a context teardown. Failures are collected,
// never raised, so a stuck resource cannot leave a context half-dead.
type CleanupResult struct {
	ContextID        string
	ResourcesCleaned int
	Failures         []CleanupFailure
}

// Violation types reported by DetectViolations.
const (
	ViolationSharedResource  = "shared_resource"
	ViolationSessionBleeding = "session_bleeding"
)

// Violation is one cross-context isolation breach.
type Violation struct {
	Type       string
	ResourceID string   // set for shared_resource
	SessionID  string   // set for session_bleeding
	ContextIDs []string // the contexts involved
	UserIDs    []string // set for session_bleeding
}

// ViolationReport is the outcome of a cross-context audit pass.
type ViolationReport struct {
	Checked    int
	Violations []Violation
}

// Clean reports whether the audit found no violations.
func (r ViolationReport) Clean() bool {
	return len(r.Violations) == 0
}

// OverheadReport estimates the cost of a context's isolation level in
// abstract cost points, for capacity planning only.
type OverheadReport struct {
	ContextID     string
	Level         Level
	BaseCost      int
	PerResource   int
	ResourceCount int
	Total         int
}
