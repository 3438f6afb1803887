// ABOUTME: Tests for the connection status transition table.
// ABOUTME: Verifies every legal edge and a sample of illegal ones.

package connection

import (
	"testing"
)

func TestLegalTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		legal    bool
	}{
		{StatusConnecting, StatusConnected, true},
		{StatusConnected, StatusReconnecting, true},
		{StatusReconnecting, StatusConnected, true},
		{StatusConnected, StatusDisconnecting, true},
		{StatusDisconnecting, StatusDisconnected, true},

		{StatusConnecting, StatusReconnecting, false},
		{StatusConnecting, StatusDisconnecting, false},
		{StatusReconnecting, StatusDisconnecting, false},
		{StatusDisconnected, StatusConnected, false},
		{StatusDisconnected, StatusConnecting, false},
		{StatusConnected, StatusConnecting, false},
	}

	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.legal {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.legal)
		}
	}
}

func TestHistoryRecordsTransitions(t *testing.T) {
	m := NewManager(ManagerOptions{})

	info, err := m.Create("u1", "c1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Status != StatusConnecting {
		t.Fatalf("expected initial status connecting, got %s", info.Status)
	}

	if err := m.MarkEstablished("c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.MarkReconnecting("c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.MarkEstablished("c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := m.Get("c1")
	if !ok {
		t.Fatal("connection missing")
	}

	want := []Status{StatusConnecting, StatusConnected, StatusReconnecting, StatusConnected}
	if len(got.History) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(got.History))
	}
	for i, status := range want {
		if got.History[i].Status != status {
			t.Errorf("history[%d] = %s, want %s", i, got.History[i].Status, status)
		}
	}

	// Every recorded transition must be a legal edge (or the initial state)
	for i := 1; i < len(got.History); i++ {
		from, to := got.History[i-1].Status, got.History[i].Status
		if !canTransition(from, to) && to != StatusDisconnected {
			t.Errorf("illegal transition recorded: %s -> %s", from, to)
		}
	}
}
