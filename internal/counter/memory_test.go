// ABOUTME: Tests for the in-memory counter store.
// ABOUTME: Covers increments, expiry behavior, and concurrent access.

package counter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreIncr(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		v, err := s.Incr(ctx, "k1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != i {
			t.Fatalf("expected %d, got %d", i, v)
		}
	}

	v, ok, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || v != 5 {
		t.Fatalf("expected (5, true), got (%d, %v)", v, ok)
	}
}

func TestMemoryStoreGetAbsent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	v, ok, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || v != 0 {
		t.Fatalf("expected (0, false), got (%d, %v)", v, ok)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	if _, err := s.Incr(ctx, "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Expire(ctx, "k1", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Still visible within the window
	if _, ok, _ := s.Get(ctx, "k1"); !ok {
		t.Fatal("expected key to be present before expiry")
	}

	// Advance past the deadline
	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "k1"); ok {
		t.Fatal("expected key to be absent after expiry")
	}

	// A fresh increment restarts the counter at 1
	v, err := s.Incr(ctx, "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected counter to restart at 1, got %d", v)
	}
}

func TestMemoryStoreExpireAbsentKey(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Expire(context.Background(), "missing", time.Minute); err != nil {
		t.Fatalf("expire on absent key should be a no-op, got %v", err)
	}
}

func TestMemoryStoreConcurrentIncr(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	const goroutines = 20
	const perGoroutine = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				// Each goroutine hits a shared key and a private key
				if _, err := s.Incr(ctx, "shared"); err != nil {
					t.Errorf("incr shared: %v", err)
				}
				if _, err := s.Incr(ctx, fmt.Sprintf("private-%d", n)); err != nil {
					t.Errorf("incr private: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	v, ok, err := s.Get(ctx, "shared")
	if err != nil || !ok {
		t.Fatalf("expected shared key present, got ok=%v err=%v", ok, err)
	}
	if v != goroutines*perGoroutine {
		t.Fatalf("expected %d, got %d", goroutines*perGoroutine, v)
	}
}
