// Package counter provides the pluggable increment-only counter store
// shared by the isolation registry and the rate limiter, with in-memory
// and SQLite-backed implementations.
package counter
