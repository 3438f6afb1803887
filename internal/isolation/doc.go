// Package isolation provides the execution-context registry that keeps
// concurrent user sessions from sharing mutable state.
//
// # Overview
//
// Every active user execution is represented by a context owning a set
// of isolated resources (a database-connection slot, a cache namespace,
// a memory allocation). The Registry is the only component that creates,
// mutates, or destroys contexts and their resources; everything else
// observes them through snapshots.
//
// # Key operations
//
//   - CreateContext: allocate a boundary for (user, session), provision
//     default resources, activate. Reuses an existing ACTIVE context for
//     the same pair.
//   - ValidateIsolation: per-context leak and contamination check.
//   - CleanupContext: ordered teardown, collecting per-action failures.
//   - DetectViolations: cross-context audit for shared resources and
//     session bleeding.
//   - Overhead: deterministic cost estimate per isolation level.
//
// # Invariants
//
// A (user_id, session_id) pair maps to at most one ACTIVE context; two
// distinct contexts never hold the same resource id; a context that
// finishes cleanup is always TERMINATED and absent from the index, even
// when individual cleanup actions fail.
package isolation
