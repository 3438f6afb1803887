// Package ratelimit bounds per-user tool invocation rates using
// time-bucketed counters, with most-restrictive-wins grant resolution
// and fail-open behavior when the counter store is unreachable.
package ratelimit
