// ABOUTME: Pluggable bucketed counter store shared by the isolation registry and rate limiter.
// ABOUTME: Defines the Store interface and the sentinel error for an unreachable backend.

package counter

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the counter backend cannot be reached.
// Callers with fail-open semantics (the rate limiter) treat this as a
// degraded-mode signal rather than a hard failure.
var ErrUnavailable = errors.New("counter store unavailable")

// Store is a monotonically increasing counter keyed by opaque strings.
// Counters are increment-only; expiry removes a key entirely rather
// than resetting it in place.
type Store interface {
	// Get returns the current value for key. The second return is false
	// when the key does not exist or has expired.
	Get(ctx context.Context, key string) (int64, bool, error)

	// Incr increments key by one and returns the new value, creating
	// the key at 1 if absent.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the time-to-live for key. Setting a TTL on an absent
	// key is a no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
