// Package store provides the SQLite-backed audit ledger: isolation
// violations, degraded-mode incidents, and tool-usage records land here
// for out-of-band review. Thread/message history belongs to the
// surrounding services, not this core.
package store
