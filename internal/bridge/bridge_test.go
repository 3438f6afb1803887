// ABOUTME: Tests for event routing: per-user correctness, drops, and concurrency.
// ABOUTME: The cross-user interleaving test guards the core safety property.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockResolver maps users to active sessions.
type mockResolver struct {
	mu       sync.Mutex
	sessions map[string]string
}

func newMockResolver() *mockResolver {
	return &mockResolver{sessions: make(map[string]string)}
}

func (m *mockResolver) ResolveOwner(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

func (m *mockResolver) setSession(userID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[userID] = sessionID
}

// mockConnections records per-connection payloads.
type mockConnections struct {
	mu       sync.Mutex
	byUser   map[string][]string // user -> connection ids
	received map[string][][]byte // connection id -> payloads
	sendErr  map[string]error    // connection id -> forced error
}

func newMockConnections() *mockConnections {
	return &mockConnections{
		byUser:   make(map[string][]string),
		received: make(map[string][][]byte),
		sendErr:  make(map[string]error),
	}
}

func (m *mockConnections) addConnection(userID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUser[userID] = append(m.byUser[userID], connID)
}

func (m *mockConnections) LiveConnections(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]string, len(m.byUser[userID]))
	copy(conns, m.byUser[userID])
	return conns
}

func (m *mockConnections) Send(_ context.Context, connID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sendErr[connID]; err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.received[connID] = append(m.received[connID], buf)
	return nil
}

func (m *mockConnections) payloads(connID string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.received[connID]))
	copy(out, m.received[connID])
	return out
}

func TestSendToUserDelivers(t *testing.T) {
	resolver := newMockResolver()
	conns := newMockConnections()
	b := New(resolver, conns, nil)

	resolver.setSession("u1", "s1")
	conns.addConnection("u1", "c1")
	conns.addConnection("u1", "c2")

	delivery, err := b.SendToUser(context.Background(), Event{
		Type:     EventAgentStarted,
		UserID:   "u1",
		ThreadID: "t1",
		RunID:    "r1",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, delivery.Delivered)
	assert.False(t, delivery.Dropped)
	assert.NotEmpty(t, delivery.EventID)

	// Payload round-trips with the assigned id
	payloads := conns.payloads("c1")
	require.Len(t, payloads, 1)
	var got Event
	require.NoError(t, json.Unmarshal(payloads[0], &got))
	assert.Equal(t, delivery.EventID, got.ID)
	assert.Equal(t, EventAgentStarted, got.Type)
	assert.Equal(t, "u1", got.UserID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestSendToUserNoOwner(t *testing.T) {
	b := New(newMockResolver(), newMockConnections(), nil)

	_, err := b.SendToUser(context.Background(), Event{Type: EventAgentError, UserID: "ghost"})
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestSendToUserDropsWithoutConnection(t *testing.T) {
	resolver := newMockResolver()
	conns := newMockConnections()
	b := New(resolver, conns, nil)

	resolver.setSession("u1", "s1")

	delivery, err := b.SendToUser(context.Background(), Event{Type: EventAgentCompleted, UserID: "u1"})
	require.NoError(t, err)

	assert.True(t, delivery.Dropped)
	assert.Equal(t, 0, delivery.Delivered)
	assert.Equal(t, int64(1), b.DroppedEvents())

	// Drops accumulate; nothing is buffered for later
	_, err = b.SendToUser(context.Background(), Event{Type: EventAgentCompleted, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.DroppedEvents())
}

func TestSendToUserPartialFailure(t *testing.T) {
	resolver := newMockResolver()
	conns := newMockConnections()
	b := New(resolver, conns, nil)

	resolver.setSession("u1", "s1")
	conns.addConnection("u1", "ok")
	conns.addConnection("u1", "broken")
	conns.sendErr["broken"] = errors.New("pipe closed")

	delivery, err := b.SendToUser(context.Background(), Event{Type: EventToolCompleted, UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, 1, delivery.Delivered)
	assert.Equal(t, []string{"broken"}, delivery.Failed)
}

// TestRoutingIsolationUnderConcurrency is the safety-critical property:
// with multiple users receiving interleaved deliveries concurrently, no
// payload addressed to one user may ever reach another user's connection.
func TestRoutingIsolationUnderConcurrency(t *testing.T) {
	resolver := newMockResolver()
	conns := newMockConnections()
	b := New(resolver, conns, nil)

	const users = 5
	const eventsPerUser = 40

	for i := 0; i < users; i++ {
		user := fmt.Sprintf("user-%d", i)
		resolver.setSession(user, fmt.Sprintf("session-%d", i))
		conns.addConnection(user, fmt.Sprintf("conn-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", n)
			for j := 0; j < eventsPerUser; j++ {
				_, err := b.SendToUser(context.Background(), Event{
					Type:   EventAgentThinking,
					UserID: user,
					RunID:  fmt.Sprintf("run-%d-%d", n, j),
				})
				if err != nil {
					t.Errorf("send for %s: %v", user, err)
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < users; i++ {
		connID := fmt.Sprintf("conn-%d", i)
		wantUser := fmt.Sprintf("user-%d", i)

		payloads := conns.payloads(connID)
		require.Len(t, payloads, eventsPerUser)

		for _, p := range payloads {
			var evt Event
			require.NoError(t, json.Unmarshal(p, &evt))
			if evt.UserID != wantUser {
				t.Fatalf("connection %s received event for %s", connID, evt.UserID)
			}
		}
	}
}
