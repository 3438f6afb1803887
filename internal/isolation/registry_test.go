// ABOUTME: Tests for the isolation registry covering creation, cleanup, and audits.
// ABOUTME: Validates resource ownership, session bleeding detection, and overhead ordering.

package isolation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(RegistryOptions{})
}

func TestCreateContext(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	info, err := r.CreateContext(ctx, CreateRequest{
		UserID:    "user_a",
		SessionID: "session_1",
		RunID:     "run_1",
		Level:     LevelSession,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, info.ID)
	assert.Equal(t, StateActive, info.State)
	assert.Len(t, info.Resources, 3, "default resources: db slot, cache namespace, memory allocation")
	assert.Equal(t, DefaultLimits()[LimitMaxMemoryMB], info.Limits[LimitMaxMemoryMB])

	types := map[string]bool{}
	for _, res := range info.Resources {
		types[res.Type] = true
		assert.True(t, res.CleanupRegistered, "resource %s should have cleanup registered", res.ID)
		assert.Equal(t, int64(1), res.AccessCount)
		assert.Equal(t, "user_a", res.OwnerUserID)
	}
	assert.True(t, types[ResourceDBConnectionSlot])
	assert.True(t, types[ResourceCacheNamespace])
	assert.True(t, types[ResourceMemoryAllocation])
}

func TestCreateContextMergesLimits(t *testing.T) {
	r := newTestRegistry(t)

	info, err := r.CreateContext(context.Background(), CreateRequest{
		UserID:    "user_a",
		SessionID: "session_1",
		Level:     LevelProcess,
		Limits:    map[string]int{LimitMaxMemoryMB: 2048},
	})
	require.NoError(t, err)

	assert.Equal(t, 2048, info.Limits[LimitMaxMemoryMB])
	assert.Equal(t, DefaultLimits()[LimitMaxConnections], info.Limits[LimitMaxConnections])
}

func TestCreateContextReusesActivePair(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.CreateContext(ctx, CreateRequest{UserID: "u1", SessionID: "s1", Level: LevelSession})
	require.NoError(t, err)

	second, err := r.CreateContext(ctx, CreateRequest{UserID: "u1", SessionID: "s1", Level: LevelSession})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same (user, session) must reuse the active context")
}

func TestCreateContextRejectsInvalidLevel(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CreateContext(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1", Level: Level("bogus")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestCreateContextPerUserCeiling(t *testing.T) {
	r := NewRegistry(RegistryOptions{MaxContextsPerUser: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.CreateContext(ctx, CreateRequest{
			UserID:    "u1",
			SessionID: fmt.Sprintf("s%d", i),
			Level:     LevelUser,
		})
		require.NoError(t, err)
	}

	_, err := r.CreateContext(ctx, CreateRequest{UserID: "u1", SessionID: "s-extra", Level: LevelUser})
	assert.ErrorIs(t, err, ErrResourceExhausted)

	// Other users are unaffected
	_, err = r.CreateContext(ctx, CreateRequest{UserID: "u2", SessionID: "s0-other", Level: LevelUser})
	assert.NoError(t, err)
}

func TestConcurrentCreateDistinctResources(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	const users = 20
	infos := make([]ContextInfo, users)

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			info, err := r.CreateContext(ctx, CreateRequest{
				UserID:    fmt.Sprintf("user-%d", n),
				SessionID: fmt.Sprintf("session-%d", n),
				Level:     LevelSession,
			})
			if err != nil {
				t.Errorf("create context: %v", err)
				return
			}
			infos[n] = info
		}(i)
	}
	wg.Wait()

	seen := map[string]string{}
	for _, info := range infos {
		for _, res := range info.Resources {
			if owner, dup := seen[res.ID]; dup {
				t.Fatalf("resource %s owned by both %s and %s", res.ID, owner, info.ID)
			}
			seen[res.ID] = info.ID
		}
	}

	report := r.DetectViolations(r.ActiveContextIDs())
	assert.True(t, report.Clean(), "concurrent creation must not produce violations: %+v", report.Violations)
}

func TestCleanupContext(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	info, err := r.CreateContext(ctx, CreateRequest{UserID: "u1", SessionID: "s1", Level: LevelSession})
	require.NoError(t, err)

	cleanupRan := false
	require.NoError(t, r.RegisterCleanup(info.ID, "close-handles", func() error {
		cleanupRan = true
		return nil
	}))

	result, err := r.CleanupContext(info.ID, false)
	require.NoError(t, err)

	assert.True(t, cleanupRan)
	assert.Equal(t, 3, result.ResourcesCleaned)
	assert.Empty(t, result.Failures)

	_, found := r.GetContext(info.ID)
	assert.False(t, found, "terminated context must be absent from the index")

	// The (user, session) slot is free again
	fresh, err := r.CreateContext(ctx, CreateRequest{UserID: "u1", SessionID: "s1", Level: LevelSession})
	require.NoError(t, err)
	assert.NotEqual(t, info.ID, fresh.ID)
}

func TestCleanupCollectsFailures(t *testing.T) {
	r := newTestRegistry(t)

	info, err := r.CreateContext(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1", Level: LevelSession})
	require.NoError(t, err)

	order := []string{}
	require.NoError(t, r.RegisterCleanup(info.ID, "first", func() error {
		order = append(order, "first")
		return errors.New("disk on fire")
	}))
	require.NoError(t, r.RegisterCleanup(info.ID, "second", func() error {
		order = append(order, "second")
		return nil
	}))

	result, err := r.CleanupContext(info.ID, false)
	require.NoError(t, err, "cleanup failures are collected, not raised")

	assert.Equal(t, []string{"first", "second"}, order, "a failing action must not stop later ones")
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "first", result.Failures[0].Name)
	assert.Contains(t, result.Failures[0].Error, "disk on fire")

	// Context is terminated despite the failure
	_, found := r.GetContext(info.ID)
	assert.False(t, found)
}

func TestCleanupUnknownContext(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CleanupContext("nope", false)
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestCleanupForceFromSuspended(t *testing.T) {
	r := newTestRegistry(t)

	info, err := r.CreateContext(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1", Level: LevelSession})
	require.NoError(t, err)
	require.NoError(t, r.Suspend(info.ID))

	// Suspended contexts clean up without force (session ended early)
	_, err = r.CleanupContext(info.ID, false)
	assert.NoError(t, err)
}

func TestValidateIsolation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	info, err := r.CreateContext(ctx, CreateRequest{UserID: "user_a", SessionID: "session_1", Level: LevelSession})
	require.NoError(t, err)

	report, err := r.ValidateIsolation(info.ID)
	require.NoError(t, err)
	assert.True(t, report.LeakFree)
	assert.True(t, report.ContaminationFree)
	assert.Empty(t, report.Findings)

	// Another user sharing the session id contaminates the context
	_, err = r.CreateContext(ctx, CreateRequest{UserID: "user_b", SessionID: "session_1", Level: LevelSession})
	require.NoError(t, err)

	report, err = r.ValidateIsolation(info.ID)
	require.NoError(t, err)
	assert.False(t, report.ContaminationFree)
	assert.NotEmpty(t, report.Findings)
}

// TestDetectViolationsScenario walks the audit scenario end to end:
// two clean contexts, then session bleeding, then cleanup of one user
// leaving the other untouched.
func TestDetectViolationsScenario(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.CreateContext(ctx, CreateRequest{UserID: "user_a", SessionID: "session_1", Level: LevelSession})
	require.NoError(t, err)
	b, err := r.CreateContext(ctx, CreateRequest{UserID: "user_b", SessionID: "session_2", Level: LevelSession})
	require.NoError(t, err)

	report := r.DetectViolations([]string{a.ID, b.ID})
	assert.Equal(t, 2, report.Checked)
	assert.True(t, report.Clean())

	// user_b joins session_1: the pair is unique so creation succeeds,
	// but the audit must flag the shared session.
	bleed, err := r.CreateContext(ctx, CreateRequest{UserID: "user_b", SessionID: "session_1", Level: LevelSession})
	require.NoError(t, err)

	report = r.DetectViolations([]string{a.ID, b.ID, bleed.ID})
	require.Len(t, report.Violations, 1)
	v := report.Violations[0]
	assert.Equal(t, ViolationSessionBleeding, v.Type)
	assert.Equal(t, "session_1", v.SessionID)
	assert.Equal(t, []string{"user_a", "user_b"}, v.UserIDs)

	// Cleaning up user_a leaves user_b's resources alone
	_, err = r.CleanupContext(a.ID, false)
	require.NoError(t, err)

	got, found := r.GetContext(b.ID)
	require.True(t, found)
	assert.Len(t, got.Resources, 3)
}

func TestDetectViolationsSkipsUnknownIDs(t *testing.T) {
	r := newTestRegistry(t)

	report := r.DetectViolations([]string{"ghost-1", "ghost-2"})
	assert.Equal(t, 0, report.Checked)
	assert.True(t, report.Clean())
}

func TestOverheadOrdering(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	costs := map[Level]int{}
	for i, level := range []Level{LevelProcess, LevelThread, LevelSession, LevelUser} {
		info, err := r.CreateContext(ctx, CreateRequest{
			UserID:    fmt.Sprintf("u%d", i),
			SessionID: fmt.Sprintf("s%d", i),
			Level:     level,
		})
		require.NoError(t, err)

		report, err := r.Overhead(info.ID)
		require.NoError(t, err)
		assert.Equal(t, report.BaseCost+report.ResourceCount*report.PerResource, report.Total)
		costs[level] = report.Total
	}

	assert.Greater(t, costs[LevelProcess], costs[LevelThread])
	assert.Greater(t, costs[LevelThread], costs[LevelSession])
	assert.Greater(t, costs[LevelSession], costs[LevelUser])
}

func TestTouchResource(t *testing.T) {
	r := newTestRegistry(t)

	info, err := r.CreateContext(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1", Level: LevelSession})
	require.NoError(t, err)

	resID := info.Resources[0].ID
	require.NoError(t, r.TouchResource(info.ID, resID))

	got, found := r.GetContext(info.ID)
	require.True(t, found)
	for _, res := range got.Resources {
		if res.ID == resID {
			assert.Equal(t, int64(2), res.AccessCount)
		}
	}

	err = r.TouchResource(info.ID, "not-owned")
	assert.Error(t, err)
}

func TestResolveOwner(t *testing.T) {
	r := newTestRegistry(t)

	_, ok := r.ResolveOwner("u1")
	assert.False(t, ok)

	info, err := r.CreateContext(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1", Level: LevelSession})
	require.NoError(t, err)

	session, ok := r.ResolveOwner("u1")
	require.True(t, ok)
	assert.Equal(t, "s1", session)

	_, err = r.CleanupContext(info.ID, false)
	require.NoError(t, err)

	_, ok = r.ResolveOwner("u1")
	assert.False(t, ok)
}
