// ABOUTME: In-memory counter store with TTL expiry and background sweeping.
// ABOUTME: Default backend for single-process deployments and tests.

package counter

import (
	"context"
	"sync"
	"time"
)

// memoryEntry holds a counter value and its optional expiry deadline.
type memoryEntry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

// MemoryStore implements Store with a mutex-guarded map. A background
// goroutine periodically removes expired entries so long-lived processes
// do not accumulate dead buckets.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	done    chan struct{}
	closed  bool

	// now is swappable for tests.
	now func() time.Time
}

// NewMemoryStore creates a memory-backed counter store and starts its
// cleanup goroutine. Call Close to stop it.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go s.cleanup()
	return s
}

// Get returns the current value for key, or (0, false) if the key is
// absent or expired.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || s.expired(entry) {
		return 0, false, nil
	}
	return entry.value, true, nil
}

// Incr increments key and returns the new value. An expired entry is
// treated as absent, so the counter restarts at 1 in a fresh bucket.
func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || s.expired(entry) {
		entry = &memoryEntry{}
		s.entries[key] = entry
	}
	entry.value++
	return entry.value, nil
}

// Expire sets the TTL for an existing key. Absent keys are ignored.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		entry.expiresAt = s.now().Add(ttl)
	}
	return nil
}

// expired reports whether an entry's deadline has passed. Must be called
// with mu held (read or write).
func (s *MemoryStore) expired(entry *memoryEntry) bool {
	return !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt)
}

// cleanup runs in a background goroutine, periodically removing expired
// entries.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCleanup()
		case <-s.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the map.
func (s *MemoryStore) runCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if s.expired(entry) {
			delete(s.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
