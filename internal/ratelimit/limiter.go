// ABOUTME: Per-user, per-tool rate limiting over time-bucketed counters.
// ABOUTME: Check-then-increment contract with fail-open semantics when the store is down.

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/warren/internal/counter"
)

// Decision is the outcome of a rate-limit check. Denials carry the
// offending period, its ceiling, and the usage that triggered the
// denial; allows carry all resolved ceilings for observability.
// Decisions are values, not errors: a denied call is an expected
// outcome.
type Decision struct {
	Allowed bool

	// Set on denial.
	Period       Period
	Limit        int
	CurrentUsage int64

	// Resolved per-period ceilings (nil = unlimited). Always populated.
	Ceilings map[Period]*int

	// Degraded is true when the decision was forced to Allowed because
	// the counter store was unreachable.
	Degraded bool
}

// Outcome values recorded with tool usage.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Limiter checks and records per-user tool invocation rates. The
// contract is check-then-increment: Check never counts the attempted
// call, so the usage reported on a denial is the bucket value that
// triggered it.
type Limiter struct {
	store  counter.Store
	logger *slog.Logger

	// OnDegraded, if set, is invoked whenever a check fails open. Used
	// by the gateway to record degraded-mode audit events.
	OnDegraded func(userID, tool string)

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter creates a Limiter over the given counter store.
func NewLimiter(store counter.Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:  store,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
}

// bucketKey builds the counter key for (user, tool, period) in the
// bucket containing now.
func (l *Limiter) bucketKey(userID, tool string, p Period, now time.Time) string {
	bucket := now.Truncate(p.Window()).Unix()
	return fmt.Sprintf("ratelimit:%s:%s:%s:%d", userID, tool, p, bucket)
}

// Check evaluates the user's held grants against current usage. For
// each period with a finite effective ceiling the current bucket is
// read; the first period at or over its ceiling denies the call.
//
// If the counter store is unreachable the check fails open: blocking
// all traffic during an infrastructure incident is worse than briefly
// losing rate enforcement. The degraded decision is logged and, when
// wired, reported via OnDegraded.
func (l *Limiter) Check(ctx context.Context, userID, tool string, grants []Grant) Decision {
	ceilings := effectiveCeilings(grants)
	now := l.now()

	for _, p := range Periods {
		ceiling := ceilings[p]
		if ceiling == nil {
			continue
		}

		current, ok, err := l.store.Get(ctx, l.bucketKey(userID, tool, p, now))
		if err != nil {
			l.logger.Warn("counter store unreachable, failing open",
				"user_id", userID,
				"tool", tool,
				"period", p,
				"error", err,
			)
			if l.OnDegraded != nil {
				l.OnDegraded(userID, tool)
			}
			return Decision{Allowed: true, Ceilings: ceilings, Degraded: true}
		}
		if !ok {
			continue // fresh bucket, zero usage
		}

		if current >= int64(*ceiling) {
			l.logger.Info("rate limit exceeded",
				"user_id", userID,
				"tool", tool,
				"period", p,
				"limit", *ceiling,
				"current_usage", current,
			)
			return Decision{
				Allowed:      false,
				Period:       p,
				Limit:        *ceiling,
				CurrentUsage: current,
				Ceilings:     ceilings,
			}
		}
	}

	return Decision{Allowed: true, Ceilings: ceilings}
}

// Record increments the minute/hour/day counters for the invocation and
// sets each counter's expiry to its natural window. Counter failures
// are logged, not raised: recording is observability, and the next
// Check will fail open anyway while the store is down.
func (l *Limiter) Record(ctx context.Context, userID, tool string, duration time.Duration, outcome string) {
	now := l.now()

	for _, p := range Periods {
		key := l.bucketKey(userID, tool, p, now)
		if _, err := l.store.Incr(ctx, key); err != nil {
			l.logger.Warn("recording tool usage failed",
				"user_id", userID,
				"tool", tool,
				"period", p,
				"error", err,
			)
			continue
		}
		if err := l.store.Expire(ctx, key, p.Window()); err != nil {
			l.logger.Warn("setting counter expiry failed",
				"user_id", userID,
				"tool", tool,
				"period", p,
				"error", err,
			)
		}
	}

	l.logger.Debug("tool usage recorded",
		"user_id", userID,
		"tool", tool,
		"duration", duration,
		"outcome", outcome,
	)
}
