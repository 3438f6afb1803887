// ABOUTME: Permission grant types with explicit optional per-period ceilings.
// ABOUTME: Resolves the effective ceiling across grants: most restrictive wins.

package ratelimit

import (
	"time"
)

// Period is a rate-limit window.
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
)

// Periods lists all windows in checking order, shortest first.
var Periods = []Period{PeriodMinute, PeriodHour, PeriodDay}

// Window returns the natural duration of the period, which is also the
// TTL of its counters.
func (p Period) Window() time.Duration {
	switch p {
	case PeriodMinute:
		return time.Minute
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	}
	return 0
}

// Grant is one held permission with explicit optional ceilings. A nil
// ceiling means unlimited for that period; "no limit" is a distinct
// value, never an absent attribute.
type Grant struct {
	Name      string
	PerMinute *int
	PerHour   *int
	PerDay    *int
}

// ceiling returns the grant's ceiling for a period, nil when unlimited.
func (g Grant) ceiling(p Period) *int {
	switch p {
	case PeriodMinute:
		return g.PerMinute
	case PeriodHour:
		return g.PerHour
	case PeriodDay:
		return g.PerDay
	}
	return nil
}

// effectiveCeilings resolves the per-period ceilings across all held
// grants. When multiple grants cover the same period the most
// restrictive applies: broader access never widens a narrower one.
func effectiveCeilings(grants []Grant) map[Period]*int {
	resolved := make(map[Period]*int, len(Periods))
	for _, p := range Periods {
		var tightest *int
		for _, g := range grants {
			c := g.ceiling(p)
			if c == nil {
				continue
			}
			if tightest == nil || *c < *tightest {
				v := *c
				tightest = &v
			}
		}
		resolved[p] = tightest
	}
	return resolved
}

// Limit is a convenience for building grant ceilings inline.
func Limit(n int) *int {
	return &n
}
