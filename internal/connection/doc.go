// Package connection manages per-connection lifecycle state machines.
//
// # State machine
//
//	CONNECTING -> CONNECTED
//	CONNECTED -> RECONNECTING -> CONNECTED
//	CONNECTED -> DISCONNECTING -> DISCONNECTED
//	any state -> DISCONNECTED (critical error only)
//
// RECONNECTING and DISCONNECTING reject outbound sends. Re-establishment
// preserves the connection id and accumulated error count.
//
// # Error tiers
//
// HandleError is the component's core policy: network errors are
// transient (reconnect), protocol errors are tolerated with stricter
// input validation, critical errors terminate the affected connection
// immediately. This trades availability on transient faults against
// safety on unrecoverable ones.
//
// # Ceilings and signals
//
// Each user holds at most a configured number of live connections
// (default 3); exceeding it is an error, never a silent eviction.
// Heartbeat health and memory pressure are reported as signals; the
// caller or an external supervisor decides whether to clean up.
package connection
