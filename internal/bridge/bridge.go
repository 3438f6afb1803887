// ABOUTME: Routes agent lifecycle events to the live connection(s) owned by one user.
// ABOUTME: Ownership is resolved through the registry's immutable (user, session) pair.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNoOwner indicates an event arrived for a user with no resolvable
// execution context. This is a programmer error in the calling engine,
// not an expected runtime condition, and fails loudly.
var ErrNoOwner = errors.New("no resolvable owner for event")

// EventType identifies an agent lifecycle event.
type EventType string

const (
	EventAgentStarted   EventType = "agent_started"
	EventAgentThinking  EventType = "agent_thinking"
	EventToolExecuting  EventType = "tool_executing"
	EventToolCompleted  EventType = "tool_completed"
	EventAgentCompleted EventType = "agent_completed"
	EventAgentError     EventType = "agent_error"
)

// Event is one agent lifecycle event addressed to a user. The ID is
// assigned by the bridge at send time.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"user_id"`
	ThreadID  string         `json:"thread_id"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// OwnerResolver resolves whether a user currently owns an active
// execution context. Implemented by the isolation registry.
type OwnerResolver interface {
	ResolveOwner(userID string) (sessionID string, ok bool)
}

// ConnectionSender exposes the live connections of a user and a way to
// send to one. Implemented by the connection manager.
type ConnectionSender interface {
	LiveConnections(userID string) []string
	Send(ctx context.Context, connectionID string, data []byte) error
}

// Delivery summarizes the outcome of routing one event.
type Delivery struct {
	EventID   string
	Delivered int      // connections that accepted the event
	Failed    []string // connection ids whose send failed
	Dropped   bool     // true when the user had no live connection
}

// Bridge forwards lifecycle events to exactly the connections owned by
// the addressed user. Delivery is at-most-once per live connection;
// events with no live connection are dropped and counted, never
// buffered.
type Bridge struct {
	registry    OwnerResolver
	connections ConnectionSender
	logger      *slog.Logger

	dropped atomic.Int64
}

// New creates a Bridge over the given resolver and sender.
func New(registry OwnerResolver, connections ConnectionSender, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		registry:    registry,
		connections: connections,
		logger:      logger.With("component", "bridge"),
	}
}

// SendToUser routes the event to every live connection owned by
// event.UserID. The lookup is keyed off the (user, session) pair
// established at context creation; the event's free-form thread and
// run ids are payload, never routing keys.
func (b *Bridge) SendToUser(ctx context.Context, event Event) (Delivery, error) {
	if event.UserID == "" {
		return Delivery{}, fmt.Errorf("event has no user_id")
	}

	sessionID, ok := b.registry.ResolveOwner(event.UserID)
	if !ok {
		b.logger.Error("event for user with no active context",
			"user_id", event.UserID,
			"type", event.Type,
			"run_id", event.RunID,
		)
		return Delivery{}, fmt.Errorf("%w: user %s", ErrNoOwner, event.UserID)
	}

	event.ID = ulid.Make().String()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return Delivery{}, fmt.Errorf("encoding event: %w", err)
	}

	delivery := Delivery{EventID: event.ID}

	conns := b.connections.LiveConnections(event.UserID)
	if len(conns) == 0 {
		b.dropped.Add(1)
		delivery.Dropped = true
		b.logger.Debug("event dropped, no live connection",
			"user_id", event.UserID,
			"session_id", sessionID,
			"type", event.Type,
			"event_id", event.ID,
		)
		return delivery, nil
	}

	for _, connID := range conns {
		if err := b.connections.Send(ctx, connID, payload); err != nil {
			delivery.Failed = append(delivery.Failed, connID)
			b.logger.Warn("event delivery failed",
				"user_id", event.UserID,
				"connection_id", connID,
				"event_id", event.ID,
				"error", err,
			)
			continue
		}
		delivery.Delivered++
	}

	return delivery, nil
}

// DroppedEvents returns the number of events dropped because the
// addressed user had no live connection.
func (b *Bridge) DroppedEvents() int64 {
	return b.dropped.Load()
}
