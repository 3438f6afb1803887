// ABOUTME: Gateway orchestrator wiring the registry, connection manager, bridge, and limiter
// ABOUTME: Runs the HTTP server, the periodic isolation audit, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/warren/internal/bridge"
	"github.com/2389/warren/internal/config"
	"github.com/2389/warren/internal/connection"
	"github.com/2389/warren/internal/counter"
	"github.com/2389/warren/internal/isolation"
	"github.com/2389/warren/internal/ratelimit"
	"github.com/2389/warren/internal/store"
)

// Gateway orchestrates the warren-gateway server components: the
// execution-context registry, the connection manager, the event bridge,
// the tool rate limiter, and the audit ledger they report into.
type Gateway struct {
	config      *config.Config
	store       store.Store
	counters    counter.Store
	registry    *isolation.Registry
	connections *connection.Manager
	bridge      *bridge.Bridge
	limiter     *ratelimit.Limiter
	httpServer  *http.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance
	serverID string

	// closeCounters releases the counter backend on shutdown.
	closeCounters func() error
}

// initStore creates the audit ledger based on config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initCounters creates the counter backend based on config. Returns the
// store and a close function for shutdown.
func initCounters(cfg *config.Config) (counter.Store, func() error, error) {
	switch cfg.RateLimit.Store {
	case "sqlite":
		s, err := counter.NewSQLiteStore(cfg.RateLimit.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing counter store: %w", err)
		}
		return s, s.Close, nil
	default:
		s := counter.NewMemoryStore()
		return s, func() error { s.Close(); return nil }, nil
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	counters, closeCounters, err := initCounters(cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	registry := isolation.NewRegistry(isolation.RegistryOptions{
		MaxContextsPerUser: cfg.Isolation.MaxContextsPerUser,
		Counters:           counters,
		Logger:             logger.With("component", "isolation"),
	})

	connections := connection.NewManager(connection.ManagerOptions{
		MaxPerUser:         cfg.Connections.MaxPerUser,
		HeartbeatThreshold: cfg.Connections.HeartbeatTimeout,
		MemoryLimitBytes:   int64(cfg.Connections.MemoryLimitMB) * 1024 * 1024,
		Logger:             logger.With("component", "connections"),
	})

	gw := &Gateway{
		config:        cfg,
		store:         s,
		counters:      counters,
		registry:      registry,
		connections:   connections,
		bridge:        bridge.New(registry, connections, logger.With("component", "bridge")),
		limiter:       ratelimit.NewLimiter(counters, logger),
		logger:        logger.With("component", "gateway"),
		serverID:      generateServerID(),
		closeCounters: closeCounters,
	}

	// Fail-open incidents land in the audit ledger for review.
	gw.limiter.OnDegraded = gw.recordDegraded

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Connection endpoint
	mux.HandleFunc("/ws", gw.handleWS)

	// API endpoints
	mux.HandleFunc("/api/events", gw.handleSendEvent)
	mux.HandleFunc("/api/contexts", gw.handleListContexts)
	mux.HandleFunc("/api/contexts/", gw.handleContextRoutes)
	mux.HandleFunc("/api/tools/check", gw.handleToolCheck)
	mux.HandleFunc("/api/tools/report", gw.handleToolReport)
	mux.HandleFunc("/api/stats/usage", gw.handleUsageStats)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway server and blocks until the context is
// canceled. Returns nil on graceful shutdown, or an error if the server
// fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	auditCtx, stopAudit := context.WithCancel(context.Background())
	go g.runAuditLoop(auditCtx)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	stopAudit()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, tears down every connection and
// execution context, and closes the backing stores.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "server_id", g.serverID)

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("HTTP server shutdown: %w", err)
	}

	closed := g.connections.CleanupAll()
	g.logger.Info("connections closed", "count", closed)

	for _, id := range g.registry.ActiveContextIDs() {
		if _, err := g.registry.CleanupContext(id, true); err != nil {
			g.logger.Warn("context cleanup failed during shutdown", "context_id", id, "error", err)
		}
	}

	if err := g.closeCounters(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing counter store: %w", err)
	}
	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	return firstErr
}

// runAuditLoop periodically audits active contexts for isolation
// violations and checks connection memory pressure, recording findings
// in the audit ledger.
func (g *Gateway) runAuditLoop(ctx context.Context) {
	ticker := time.NewTicker(g.config.Isolation.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.auditOnce(ctx)
		}
	}
}

// auditOnce runs a single audit pass.
func (g *Gateway) auditOnce(ctx context.Context) {
	report := g.registry.DetectViolations(g.registry.ActiveContextIDs())
	for _, v := range report.Violations {
		g.logger.Error("isolation violation detected",
			"type", v.Type,
			"resource_id", v.ResourceID,
			"session_id", v.SessionID,
			"context_ids", v.ContextIDs,
		)
		event := &store.AuditEvent{
			Kind:      store.KindIsolationViolation,
			SessionID: v.SessionID,
			Detail:    fmt.Sprintf("%s: resource=%s contexts=%v users=%v", v.Type, v.ResourceID, v.ContextIDs, v.UserIDs),
		}
		if err := g.store.SaveAuditEvent(ctx, event); err != nil {
			g.logger.Warn("failed to record isolation violation", "error", err)
		}
	}

	pressure := g.connections.CheckMemoryPressure()
	if pressure.CleanupTriggered {
		g.logger.Warn("connection memory pressure",
			"usage_bytes", pressure.UsageBytes,
			"limit_bytes", pressure.LimitBytes,
		)
		event := &store.AuditEvent{
			Kind:   store.KindMemoryPressure,
			Detail: fmt.Sprintf("usage=%d limit=%d", pressure.UsageBytes, pressure.LimitBytes),
		}
		if err := g.store.SaveAuditEvent(ctx, event); err != nil {
			g.logger.Warn("failed to record memory pressure", "error", err)
		}
	}
}

// recordDegraded records a fail-open rate limit check in the audit
// ledger. Invoked from the limiter whenever the counter store is
// unreachable.
func (g *Gateway) recordDegraded(userID, tool string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	event := &store.AuditEvent{
		Kind:   store.KindDegradedMode,
		UserID: userID,
		Detail: fmt.Sprintf("rate limit check failed open for tool %s", tool),
	}
	if err := g.store.SaveAuditEvent(ctx, event); err != nil {
		g.logger.Warn("failed to record degraded mode", "error", err)
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK with current context and connection counts.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	contexts := len(g.registry.ActiveContextIDs())
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active contexts)", contexts)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("warren-gateway-%d", time.Now().UnixNano()%1000000)
}
