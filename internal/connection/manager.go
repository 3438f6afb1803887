// ABOUTME: Manager for per-connection state machines, heartbeat health, and user ceilings.
// ABOUTME: Classifies errors into network/protocol/critical tiers and signals memory pressure.

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrConnectionLimit indicates the per-user connection ceiling was hit.
// The caller must clean up an existing connection first; the manager
// never silently evicts one.
var ErrConnectionLimit = errors.New("connection limit reached")

// ErrConnectionExists indicates a connection with the same id is already registered.
var ErrConnectionExists = errors.New("connection already registered")

// ErrConnectionNotFound indicates the specified connection was not found.
var ErrConnectionNotFound = errors.New("connection not found")

// ErrInvalidTransition indicates a status change that is not a legal edge.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrSendRejected indicates the connection's status does not permit outbound sends.
var ErrSendRejected = errors.New("send rejected by connection status")

// Defaults for the manager's configurable thresholds.
const (
	DefaultMaxPerUser         = 3
	DefaultHeartbeatThreshold = 30 * time.Second
	DefaultMemoryLimitBytes   = 50 * 1024 * 1024
)

// Transport is the raw send/close surface supplied by the transport
// layer. Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// ErrorTier classifies a connection error for HandleError.
type ErrorTier string

const (
	// TierNetwork is a transient fault: the connection moves to
	// RECONNECTING and keeps its state.
	TierNetwork ErrorTier = "network"

	// TierProtocol is malformed input: the connection stays CONNECTED
	// with tightened input validation.
	TierProtocol ErrorTier = "protocol"

	// TierCritical is unrecoverable: the connection drops straight to
	// DISCONNECTED, bypassing the graceful path.
	TierCritical ErrorTier = "critical"
)

// HealthReport is the outcome of a heartbeat check. RequiresCleanup is
// a signal; acting on it remains the caller's decision.
type HealthReport struct {
	ConnectionID    string
	Healthy         bool
	LastHeartbeat   time.Time
	SinceHeartbeat  time.Duration
	RequiresCleanup bool
}

// PressureReport is the outcome of a memory-pressure check. The manager
// signals; an external supervisor acts.
type PressureReport struct {
	UsageBytes       int64
	LimitBytes       int64
	CleanupTriggered bool
}

// Manager owns all ConnectionState for the process. Indexes are guarded
// by a single RWMutex; the lock is never held across transport I/O.
type Manager struct {
	mu         sync.RWMutex
	conns      map[string]*connState
	maxPerUser int
	hbTimeout  time.Duration
	memLimit   int64
	logger     *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// ManagerOptions configures a Manager. Zero values select defaults.
type ManagerOptions struct {
	MaxPerUser         int
	HeartbeatThreshold time.Duration
	MemoryLimitBytes   int64
	Logger             *slog.Logger
}

// NewManager creates a connection Manager.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPerUser := opts.MaxPerUser
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	hbTimeout := opts.HeartbeatThreshold
	if hbTimeout <= 0 {
		hbTimeout = DefaultHeartbeatThreshold
	}
	memLimit := opts.MemoryLimitBytes
	if memLimit <= 0 {
		memLimit = DefaultMemoryLimitBytes
	}
	return &Manager{
		conns:      make(map[string]*connState),
		maxPerUser: maxPerUser,
		hbTimeout:  hbTimeout,
		memLimit:   memLimit,
		logger:     logger.With("component", "connection"),
		now:        time.Now,
	}
}

// Create registers a new connection in CONNECTING state. Returns
// ErrConnectionLimit when the user already holds the maximum number of
// live connections; callers must Cleanup an old one explicitly.
func (m *Manager) Create(userID, connectionID string, transport Transport) (Info, error) {
	if userID == "" || connectionID == "" {
		return Info{}, fmt.Errorf("user_id and connection_id are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[connectionID]; exists {
		return Info{}, fmt.Errorf("%w: %s", ErrConnectionExists, connectionID)
	}

	live := 0
	for _, c := range m.conns {
		if c.userID == userID && c.status != StatusDisconnected {
			live++
		}
	}
	if live >= m.maxPerUser {
		return Info{}, fmt.Errorf("%w: user %s has %d connections (max %d)",
			ErrConnectionLimit, userID, live, m.maxPerUser)
	}

	now := m.now()
	c := &connState{
		id:            connectionID,
		userID:        userID,
		lastHeartbeat: now,
		transport:     transport,
	}
	c.setStatus(StatusConnecting, now)
	m.conns[connectionID] = c

	m.logger.Info("connection created",
		"connection_id", connectionID,
		"user_id", userID,
		"total_connections", len(m.conns),
	)
	return c.snapshot(), nil
}

// transition applies a graceful edge. Idempotent with respect to the
// target: moving to the current status is a no-op.
func (m *Manager) transition(connectionID string, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	if c.status == to {
		return nil
	}
	if !canTransition(c.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.status, to)
	}

	now := m.now()
	c.setStatus(to, now)
	if to == StatusConnected && c.establishedAt.IsZero() {
		c.establishedAt = now
	}

	m.logger.Debug("connection transitioned",
		"connection_id", connectionID,
		"status", to,
	)
	return nil
}

// MarkEstablished records a successful handshake (CONNECTING/
// RECONNECTING -> CONNECTED). Re-establishment preserves the
// connection's id and accumulated error count.
func (m *Manager) MarkEstablished(connectionID string) error {
	return m.transition(connectionID, StatusConnected)
}

// MarkReconnecting moves the connection into RECONNECTING; outbound
// sends are rejected until re-establishment.
func (m *Manager) MarkReconnecting(connectionID string) error {
	return m.transition(connectionID, StatusReconnecting)
}

// MarkDisconnecting starts the graceful shutdown path; new sends are
// blocked while pending ones drain.
func (m *Manager) MarkDisconnecting(connectionID string) error {
	return m.transition(connectionID, StatusDisconnecting)
}

// MarkDisconnected completes the graceful shutdown path.
func (m *Manager) MarkDisconnected(connectionID string) error {
	return m.transition(connectionID, StatusDisconnected)
}

// RecordHeartbeat stores the latest heartbeat timestamp for the connection.
func (m *Manager) RecordHeartbeat(connectionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	c.lastHeartbeat = at
	return nil
}

// CheckHealth reports heartbeat freshness. A connection is unhealthy
// when the time since its last heartbeat exceeds the configured
// threshold; the report carries a cleanup signal, nothing more.
func (m *Manager) CheckHealth(connectionID string) (HealthReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conns[connectionID]
	if !ok {
		return HealthReport{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}

	since := m.now().Sub(c.lastHeartbeat)
	healthy := since <= m.hbTimeout
	return HealthReport{
		ConnectionID:    connectionID,
		Healthy:         healthy,
		LastHeartbeat:   c.lastHeartbeat,
		SinceHeartbeat:  since,
		RequiresCleanup: !healthy,
	}, nil
}

// HandleError applies the error-tier policy: retry on network faults,
// tolerate protocol faults with stricter validation, terminate on
// critical faults. Only the affected connection is touched.
func (m *Manager) HandleError(connectionID string, cause error, tier ErrorTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}

	c.errorCount++
	now := m.now()

	switch tier {
	case TierNetwork:
		if c.status == StatusConnected {
			c.setStatus(StatusReconnecting, now)
		}
		m.logger.Warn("network error, reconnecting",
			"connection_id", connectionID,
			"error", cause,
			"error_count", c.errorCount,
		)

	case TierProtocol:
		c.strictInput = true
		m.logger.Warn("protocol error, tightening input validation",
			"connection_id", connectionID,
			"error", cause,
			"error_count", c.errorCount,
		)

	case TierCritical:
		// Critical faults bypass DISCONNECTING entirely.
		if c.status != StatusDisconnected {
			c.setStatus(StatusDisconnected, now)
		}
		m.logger.Error("critical error, connection terminated",
			"connection_id", connectionID,
			"error", cause,
			"error_count", c.errorCount,
		)

	default:
		return fmt.Errorf("unknown error tier %q", tier)
	}

	return nil
}

// Send forwards a payload over the connection's transport. Sends are
// rejected unless the connection is CONNECTED; RECONNECTING and
// DISCONNECTING connections accept administrative operations only.
// The transport call happens outside the lock.
func (m *Manager) Send(ctx context.Context, connectionID string, data []byte) error {
	m.mu.Lock()
	c, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	if c.status != StatusConnected {
		status := c.status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrSendRejected, connectionID, status)
	}
	transport := c.transport
	c.memoryBytes += int64(len(data))
	m.mu.Unlock()

	if transport == nil {
		return fmt.Errorf("connection %s has no transport", connectionID)
	}
	if err := transport.Send(ctx, data); err != nil {
		return fmt.Errorf("sending to %s: %w", connectionID, err)
	}

	m.mu.Lock()
	if c2, ok := m.conns[connectionID]; ok {
		c2.memoryBytes -= int64(len(data))
	}
	m.mu.Unlock()
	return nil
}

// LiveConnections returns the ids of the user's CONNECTED connections.
func (m *Manager) LiveConnections(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, c := range m.conns {
		if c.userID == userID && c.status == StatusConnected {
			ids = append(ids, id)
		}
	}
	return ids
}

// Get returns a snapshot of the connection, if it exists.
func (m *Manager) Get(connectionID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conns[connectionID]
	if !ok {
		return Info{}, false
	}
	return c.snapshot(), true
}

// Cleanup removes a connection and closes its transport. Safe to call
// on an absent id: reported as zero removed, not an error.
func (m *Manager) Cleanup(connectionID string) int {
	m.mu.Lock()
	c, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	delete(m.conns, connectionID)
	transport := c.transport
	m.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	m.logger.Info("connection cleaned up",
		"connection_id", connectionID,
		"user_id", c.userID,
	)
	return 1
}

// CleanupUser removes all of a user's connections, returning the count.
func (m *Manager) CleanupUser(userID string) int {
	m.mu.Lock()
	var removed []*connState
	for id, c := range m.conns {
		if c.userID == userID {
			delete(m.conns, id)
			removed = append(removed, c)
		}
	}
	m.mu.Unlock()

	for _, c := range removed {
		if c.transport != nil {
			_ = c.transport.Close()
		}
	}
	if len(removed) > 0 {
		m.logger.Info("user connections cleaned up",
			"user_id", userID,
			"removed", len(removed),
		)
	}
	return len(removed)
}

// CleanupAll removes every connection, returning the count.
func (m *Manager) CleanupAll() int {
	m.mu.Lock()
	removed := make([]*connState, 0, len(m.conns))
	for id, c := range m.conns {
		delete(m.conns, id)
		removed = append(removed, c)
	}
	m.mu.Unlock()

	for _, c := range removed {
		if c.transport != nil {
			_ = c.transport.Close()
		}
	}
	m.logger.Info("all connections cleaned up", "removed", len(removed))
	return len(removed)
}

// CheckMemoryPressure sums in-flight payload bytes across connections
// and reports whether the configured limit is crossed. The manager
// never kills connections itself.
func (m *Manager) CheckMemoryPressure() PressureReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var usage int64
	for _, c := range m.conns {
		usage += c.memoryBytes
	}

	triggered := usage > m.memLimit
	if triggered {
		m.logger.Warn("memory pressure detected",
			"usage_bytes", usage,
			"limit_bytes", m.memLimit,
		)
	}
	return PressureReport{
		UsageBytes:       usage,
		LimitBytes:       m.memLimit,
		CleanupTriggered: triggered,
	}
}
