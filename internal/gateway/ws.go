// ABOUTME: WebSocket endpoint binding client connections to execution contexts
// ABOUTME: Inbound frames count as heartbeats; read failures feed the error tiers

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/warren/internal/connection"
	"github.com/2389/warren/internal/isolation"
	"github.com/2389/warren/internal/store"
)

// wsTransport adapts a websocket connection to the connection manager's
// Transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "closed")
}

// handleWS upgrades GET /ws to a websocket session. The caller
// identifies itself with user_id and session_id query parameters; the
// gateway binds the connection to that user's execution context and
// keeps it registered until the socket closes.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")
	if userID == "" || sessionID == "" {
		http.Error(w, "user_id and session_id are required", http.StatusBadRequest)
		return
	}

	// Establish the isolation boundary before accepting the socket so
	// exhaustion rejects with a plain HTTP status.
	ctxInfo, err := g.registry.CreateContext(r.Context(), isolation.CreateRequest{
		UserID:    userID,
		SessionID: sessionID,
		Level:     isolation.Level(g.config.Isolation.DefaultLevel),
	})
	if err != nil {
		if errors.Is(err, isolation.ErrResourceExhausted) {
			http.Error(w, "too many active contexts", http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	connID := uuid.NewString()
	transport := &wsTransport{conn: conn}

	if _, err := g.connections.Create(userID, connID, transport); err != nil {
		g.logger.Warn("connection rejected",
			"user_id", userID,
			"error", err,
		)
		_ = conn.Close(websocket.StatusPolicyViolation, "connection limit reached")
		return
	}

	if err := g.connections.MarkEstablished(connID); err != nil {
		g.connections.Cleanup(connID)
		return
	}

	g.logger.Info("connection established",
		"connection_id", connID,
		"user_id", userID,
		"context_id", ctxInfo.ID,
	)

	g.readLoop(r.Context(), userID, connID, conn)

	g.connections.Cleanup(connID)
	g.logger.Info("connection closed", "connection_id", connID, "user_id", userID)
}

// readLoop consumes inbound frames until the socket fails or the
// request context ends. Every frame refreshes the connection heartbeat;
// close codes and read errors route through the error tiers.
func (g *Gateway) readLoop(ctx context.Context, userID, connID string, conn *websocket.Conn) {
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				_ = g.connections.MarkDisconnecting(connID)
			case websocket.StatusProtocolError, websocket.StatusUnsupportedData, websocket.StatusInvalidFramePayloadData:
				_ = g.connections.HandleError(connID, err, connection.TierProtocol)
			case websocket.StatusInternalError:
				_ = g.connections.HandleError(connID, err, connection.TierCritical)
				g.recordCritical(ctx, userID, connID, err)
			default:
				_ = g.connections.HandleError(connID, err, connection.TierNetwork)
			}
			return
		}
		_ = g.connections.RecordHeartbeat(connID, time.Now())
	}
}

// recordCritical lands an unrecoverable connection failure in the audit
// ledger.
func (g *Gateway) recordCritical(ctx context.Context, userID, connID string, cause error) {
	event := &store.AuditEvent{
		Kind:   store.KindConnectionCritical,
		UserID: userID,
		Detail: fmt.Sprintf("connection %s: %v", connID, cause),
	}
	if err := g.store.SaveAuditEvent(ctx, event); err != nil {
		g.logger.Warn("failed to record critical connection error", "error", err)
	}
}
