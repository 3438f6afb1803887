// ABOUTME: Connection status values, the transition table, and per-connection state.
// ABOUTME: History records every transition so the state machine is auditable after the fact.

package connection

import (
	"time"
)

// Status is the lifecycle state of a transport connection.
type Status string

const (
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusReconnecting  Status = "reconnecting"
	StatusDisconnecting Status = "disconnecting"
	StatusDisconnected  Status = "disconnected"
)

// legalTransitions is the connection state machine. Any state may also
// jump straight to DISCONNECTED on a critical error; that edge is
// handled separately so the table stays the graceful-path source of truth.
var legalTransitions = map[Status][]Status{
	StatusConnecting:    {StatusConnected},
	StatusConnected:     {StatusReconnecting, StatusDisconnecting},
	StatusReconnecting:  {StatusConnected},
	StatusDisconnecting: {StatusDisconnected},
	StatusDisconnected:  {},
}

// canTransition reports whether from -> to is a legal graceful edge.
func canTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded status change.
type Transition struct {
	Status Status
	At     time.Time
}

// connState is the manager's internal, mutable per-connection record.
// All mutation happens under the manager mutex.
type connState struct {
	id            string
	userID        string
	status        Status
	establishedAt time.Time
	lastHeartbeat time.Time
	errorCount    int
	strictInput   bool // tightened validation after protocol errors
	history       []Transition
	transport     Transport
	memoryBytes   int64
}

// setStatus records a transition into the history. Must be called with
// the manager mutex held.
func (c *connState) setStatus(status Status, at time.Time) {
	c.status = status
	c.history = append(c.history, Transition{Status: status, At: at})
}

// Info is a point-in-time snapshot of a connection's state.
type Info struct {
	ID            string
	UserID        string
	Status        Status
	EstablishedAt time.Time
	LastHeartbeat time.Time
	ErrorCount    int
	StrictInput   bool
	History       []Transition
}

// snapshot builds an Info copy. Must be called with the manager mutex held.
func (c *connState) snapshot() Info {
	history := make([]Transition, len(c.history))
	copy(history, c.history)
	return Info{
		ID:            c.id,
		UserID:        c.userID,
		Status:        c.status,
		EstablishedAt: c.establishedAt,
		LastHeartbeat: c.lastHeartbeat,
		ErrorCount:    c.errorCount,
		StrictInput:   c.strictInput,
		History:       history,
	}
}
