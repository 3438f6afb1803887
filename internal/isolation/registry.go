// ABOUTME: Registry that owns execution-context creation, resource boundaries, and cleanup.
// ABOUTME: Serializes allocation so two contexts never share a resource id.

package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/warren/internal/counter"
)

// ErrResourceExhausted indicates a ceiling (e.g. max concurrent contexts
// for a user) was reached. Surfaced to the caller, never silently dropped.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrContextNotFound indicates the specified execution context does not exist.
var ErrContextNotFound = errors.New("execution context not found")

// ErrCleanupInProgress indicates a cleanup is already running for the context.
var ErrCleanupInProgress = errors.New("cleanup already in progress")

// ErrInvalidLevel indicates an unknown isolation level was requested.
var ErrInvalidLevel = errors.New("invalid isolation level")

// DefaultMaxContextsPerUser bounds concurrently active contexts per user.
const DefaultMaxContextsPerUser = 5

// sessionKey builds the active-index key for a (user, session) pair.
func sessionKey(userID, sessionID string) string {
	return userID + "\x00" + sessionID
}

// Registry owns ExecutionContext and IsolatedResource lifecycles. All
// index mutation happens under a single mutex so resource ids are never
// double-allocated; cleanup callbacks run outside the lock.
type Registry struct {
	mu         sync.Mutex
	contexts   map[string]*execContext // by context id
	active     map[string]string       // sessionKey -> context id, ACTIVE contexts only
	owners     map[string]string       // resource id -> context id
	maxPerUser int
	counters   counter.Store
	logger     *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// RegistryOptions configures a Registry. Zero values select defaults.
type RegistryOptions struct {
	// MaxContextsPerUser bounds concurrently active contexts per user.
	MaxContextsPerUser int

	// Counters receives provisioning tallies for observability. Optional.
	Counters counter.Store

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPerUser := opts.MaxContextsPerUser
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxContextsPerUser
	}
	return &Registry{
		contexts:   make(map[string]*execContext),
		active:     make(map[string]string),
		owners:     make(map[string]string),
		maxPerUser: maxPerUser,
		counters:   opts.Counters,
		logger:     logger.With("component", "isolation"),
		now:        time.Now,
	}
}

// CreateRequest carries the parameters for CreateContext.
type CreateRequest struct {
	UserID    string
	SessionID string
	RunID     string
	Level     Level
	Limits    map[string]int // merged over DefaultLimits; may be nil
}

// CreateContext allocates a new execution context for (user, session),
// provisions its default isolated resources, and activates it. If an
// ACTIVE context already exists for the pair it is returned unchanged,
// so repeated requests for the same session reuse one boundary.
//
// Returns ErrResourceExhausted when the user already holds the maximum
// number of active contexts.
func (r *Registry) CreateContext(ctx context.Context, req CreateRequest) (ContextInfo, error) {
	if req.UserID == "" || req.SessionID == "" {
		return ContextInfo{}, fmt.Errorf("user_id and session_id are required")
	}
	if !req.Level.Valid() {
		return ContextInfo{}, fmt.Errorf("%w: %q", ErrInvalidLevel, req.Level)
	}

	limits := DefaultLimits()
	for name, ceiling := range req.Limits {
		limits[name] = ceiling
	}

	r.mu.Lock()

	// Reuse path: (user, session) is unique system-wide while ACTIVE.
	if id, ok := r.active[sessionKey(req.UserID, req.SessionID)]; ok {
		info := r.contexts[id].snapshot()
		r.mu.Unlock()
		return info, nil
	}

	activeForUser := 0
	for _, ec := range r.contexts {
		if ec.userID == req.UserID && ec.state == StateActive {
			activeForUser++
		}
	}
	if activeForUser >= r.maxPerUser {
		r.mu.Unlock()
		return ContextInfo{}, fmt.Errorf("%w: user %s has %d active contexts (max %d)",
			ErrResourceExhausted, req.UserID, activeForUser, r.maxPerUser)
	}

	now := r.now()
	ec := &execContext{
		id:        uuid.New().String(),
		userID:    req.UserID,
		sessionID: req.SessionID,
		runID:     req.RunID,
		level:     req.Level,
		limits:    limits,
		state:     StateInitializing,
		createdAt: now,
		resources: make(map[string]*Resource),
	}

	for _, resType := range []string{ResourceDBConnectionSlot, ResourceCacheNamespace, ResourceMemoryAllocation} {
		res := &Resource{
			ID:             uuid.New().String(),
			Type:           resType,
			OwnerUserID:    req.UserID,
			OwnerSessionID: req.SessionID,
			CreatedAt:      now,
			LastAccessed:   now,
			AccessCount:    1, // provisioning counts as the first access
		}
		ec.resources[res.ID] = res
		r.owners[res.ID] = ec.id
		r.registerResourceCleanupLocked(ec, res)
	}

	ec.state = StateActive
	r.contexts[ec.id] = ec
	r.active[sessionKey(req.UserID, req.SessionID)] = ec.id
	info := ec.snapshot()
	total := len(r.contexts)
	r.mu.Unlock()

	r.logger.Info("execution context created",
		"context_id", info.ID,
		"user_id", req.UserID,
		"session_id", req.SessionID,
		"isolation_level", req.Level,
		"total_contexts", total,
	)

	// Provisioning tally, best effort. Counter failures never block
	// context creation.
	if r.counters != nil {
		key := "isolation:contexts_created:" + req.UserID
		if _, err := r.counters.Incr(ctx, key); err == nil {
			_ = r.counters.Expire(ctx, key, 24*time.Hour)
		}
	}

	return info, nil
}

// registerResourceCleanupLocked appends the release action for a
// provisioned resource and marks it reclaimable. Must be called with
// the registry mutex held.
func (r *Registry) registerResourceCleanupLocked(ec *execContext, res *Resource) {
	resourceID := res.ID
	ec.cleanups = append(ec.cleanups, cleanupAction{
		name: "release:" + res.Type,
		fn: func() error {
			r.mu.Lock()
			delete(r.owners, resourceID)
			r.mu.Unlock()
			return nil
		},
	})
	res.CleanupRegistered = true
}

// RegisterCleanup appends a caller-supplied cleanup action to the
// context. Actions run in registration order during CleanupContext.
func (r *Registry) RegisterCleanup(contextID, name string, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ec, ok := r.contexts[contextID]
	if !ok {
		return ErrContextNotFound
	}
	ec.cleanups = append(ec.cleanups, cleanupAction{name: name, fn: fn})
	return nil
}

// TouchResource records an access to a resource owned by the context,
// bumping its access count and last-accessed timestamp.
func (r *Registry) TouchResource(contextID, resourceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ec, ok := r.contexts[contextID]
	if !ok {
		return ErrContextNotFound
	}
	res, ok := ec.resources[resourceID]
	if !ok {
		return fmt.Errorf("resource %s not owned by context %s", resourceID, contextID)
	}
	res.AccessCount++
	res.LastAccessed = r.now()
	return nil
}

// GetContext returns a snapshot of the context, if it exists.
func (r *Registry) GetContext(contextID string) (ContextInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ec, ok := r.contexts[contextID]
	if !ok {
		return ContextInfo{}, false
	}
	return ec.snapshot(), true
}

// ResolveOwner reports whether the user currently owns an ACTIVE
// execution context, and if so the session it is bound to. Event
// routing keys off this immutable (user, session) pair, never off
// request-supplied identifiers.
func (r *Registry) ResolveOwner(userID string) (sessionID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ec := range r.contexts {
		if ec.userID == userID && ec.state == StateActive {
			return ec.sessionID, true
		}
	}
	return "", false
}

// ActiveContextIDs returns the ids of all non-terminated contexts,
// sorted for deterministic audit passes.
func (r *Registry) ActiveContextIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.contexts))
	for id := range r.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateIsolation checks a single context for leaks (a resource with
// no cleanup registered, or never accessed) and contamination (another
// active context sharing its session). Violations are reported, not
// raised; callers decide severity.
func (r *Registry) ValidateIsolation(contextID string) (ValidationReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ec, ok := r.contexts[contextID]
	if !ok {
		return ValidationReport{}, ErrContextNotFound
	}

	report := ValidationReport{
		ContextID:         contextID,
		LeakFree:          true,
		ContaminationFree: true,
	}

	for _, res := range ec.resources {
		if !res.CleanupRegistered {
			report.LeakFree = false
			report.Findings = append(report.Findings,
				fmt.Sprintf("resource %s (%s) has no cleanup registered", res.ID, res.Type))
		}
		if res.AccessCount == 0 {
			report.LeakFree = false
			report.Findings = append(report.Findings,
				fmt.Sprintf("resource %s (%s) was never accessed", res.ID, res.Type))
		}
	}

	for _, other := range r.contexts {
		if other.id == ec.id || other.state != StateActive {
			continue
		}
		if other.sessionID == ec.sessionID {
			report.ContaminationFree = false
			report.Findings = append(report.Findings,
				fmt.Sprintf("context %s (user %s) shares session %s", other.id, other.userID, ec.sessionID))
		}
	}

	return report, nil
}

// Suspend marks an ACTIVE context SUSPENDED, releasing its claim on the
// active (user, session) slot without tearing down resources.
func (r *Registry) Suspend(contextID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ec, ok := r.contexts[contextID]
	if !ok {
		return ErrContextNotFound
	}
	if ec.state != StateActive {
		return fmt.Errorf("context %s is %s, not active", contextID, ec.state)
	}
	ec.state = StateSuspended
	delete(r.active, sessionKey(ec.userID, ec.sessionID))
	return nil
}

// CleanupContext tears down a context: ACTIVE -> CLEANING_UP, runs all
// cleanup actions in registration order (collecting failures rather
// than aborting), then TERMINATED and removed from the registry. With
// force set, a context in any non-terminal state is torn down; cleanup
// is safe to invoke mid-execution.
//
// The registry mutex is not held while cleanup actions run, so a slow
// or stuck action never blocks unrelated contexts. Concurrent cleanup
// of the same context returns ErrCleanupInProgress.
func (r *Registry) CleanupContext(contextID string, force bool) (CleanupResult, error) {
	r.mu.Lock()
	ec, ok := r.contexts[contextID]
	if !ok {
		r.mu.Unlock()
		return CleanupResult{}, ErrContextNotFound
	}
	if ec.state == StateCleaningUp {
		r.mu.Unlock()
		return CleanupResult{}, ErrCleanupInProgress
	}
	if ec.state != StateActive && ec.state != StateSuspended && !force {
		state := ec.state
		r.mu.Unlock()
		return CleanupResult{}, fmt.Errorf("context %s is %s; use force to clean up", contextID, state)
	}

	ec.state = StateCleaningUp
	delete(r.active, sessionKey(ec.userID, ec.sessionID))
	actions := make([]cleanupAction, len(ec.cleanups))
	copy(actions, ec.cleanups)
	resourceCount := len(ec.resources)
	r.mu.Unlock()

	result := CleanupResult{ContextID: contextID}
	for _, action := range actions {
		if err := action.fn(); err != nil {
			result.Failures = append(result.Failures, CleanupFailure{
				Name:  action.name,
				Error: err.Error(),
			})
			r.logger.Warn("cleanup action failed",
				"context_id", contextID,
				"action", action.name,
				"error", err,
			)
		}
	}
	result.ResourcesCleaned = resourceCount

	// The context always reaches TERMINATED: a stuck CLEANING_UP context
	// is a worse outcome than a leak flagged for out-of-band recovery.
	r.mu.Lock()
	for id := range ec.resources {
		delete(r.owners, id)
	}
	ec.resources = make(map[string]*Resource)
	ec.state = StateTerminated
	delete(r.contexts, contextID)
	remaining := len(r.contexts)
	r.mu.Unlock()

	r.logger.Info("execution context terminated",
		"context_id", contextID,
		"user_id", ec.userID,
		"session_id", ec.sessionID,
		"resources_cleaned", result.ResourcesCleaned,
		"cleanup_failures", len(result.Failures),
		"total_contexts", remaining,
	)

	return result, nil
}

// DetectViolations cross-checks the given contexts for shared resource
// ids and for sessions spanning more than one user. Unknown ids are
// skipped; the audit must never crash the auditor.
func (r *Registry) DetectViolations(contextIDs []string) ViolationReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := ViolationReport{}

	type owner struct {
		contextID string
		userID    string
	}
	resourceOwners := make(map[string][]owner)           // resource id -> owners
	sessionUsers := make(map[string]map[string][]string) // session -> user -> context ids

	for _, id := range contextIDs {
		ec, ok := r.contexts[id]
		if !ok {
			continue
		}
		report.Checked++

		for resID := range ec.resources {
			resourceOwners[resID] = append(resourceOwners[resID], owner{contextID: ec.id, userID: ec.userID})
		}

		if _, ok := sessionUsers[ec.sessionID]; !ok {
			sessionUsers[ec.sessionID] = make(map[string][]string)
		}
		sessionUsers[ec.sessionID][ec.userID] = append(sessionUsers[ec.sessionID][ec.userID], ec.id)
	}

	for resID, owners := range resourceOwners {
		if len(owners) < 2 {
			continue
		}
		v := Violation{Type: ViolationSharedResource, ResourceID: resID}
		for _, o := range owners {
			v.ContextIDs = append(v.ContextIDs, o.contextID)
		}
		sort.Strings(v.ContextIDs)
		report.Violations = append(report.Violations, v)
	}

	for sessionID, users := range sessionUsers {
		if len(users) < 2 {
			continue
		}
		v := Violation{Type: ViolationSessionBleeding, SessionID: sessionID}
		for userID, ctxIDs := range users {
			v.UserIDs = append(v.UserIDs, userID)
			v.ContextIDs = append(v.ContextIDs, ctxIDs...)
		}
		sort.Strings(v.UserIDs)
		sort.Strings(v.ContextIDs)
		report.Violations = append(report.Violations, v)
	}

	if len(report.Violations) > 0 {
		r.logger.Warn("isolation violations detected",
			"checked", report.Checked,
			"violations", len(report.Violations),
		)
	}

	return report
}

// Overhead cost model: stronger isolation pays for memory separation,
// connection-pool separation, cache-namespace separation, and
// filesystem sandboxing. Costs are abstract points for capacity
// planning, not enforcement.
var levelBaseCost = map[Level]int{
	LevelProcess: 100,
	LevelThread:  60,
	LevelSession: 35,
	LevelUser:    20,
}

const perResourceCost = 5

// Overhead returns the deterministic isolation-overhead estimate for a
// context.
func (r *Registry) Overhead(contextID string) (OverheadReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ec, ok := r.contexts[contextID]
	if !ok {
		return OverheadReport{}, ErrContextNotFound
	}

	base := levelBaseCost[ec.level]
	count := len(ec.resources)
	return OverheadReport{
		ContextID:     contextID,
		Level:         ec.level,
		BaseCost:      base,
		PerResource:   perResourceCost,
		ResourceCount: count,
		Total:         base + count*perResourceCost,
	}, nil
}
