// ABOUTME: HTTP API handlers for event delivery, context inspection, and rate limits
// ABOUTME: Provides the JSON surface external services call into the core with

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/warren/internal/bridge"
	"github.com/2389/warren/internal/connection"
	"github.com/2389/warren/internal/isolation"
	"github.com/2389/warren/internal/ratelimit"
	"github.com/2389/warren/internal/store"
)

// SendEventRequest is the JSON request body for POST /api/events.
type SendEventRequest struct {
	UserID   string         `json:"user_id"`
	Type     string         `json:"type"`
	ThreadID string         `json:"thread_id,omitempty"`
	RunID    string         `json:"run_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// SendEventResponse is the JSON response for POST /api/events.
type SendEventResponse struct {
	EventID   string   `json:"event_id"`
	Delivered int      `json:"delivered"`
	Failed    []string `json:"failed,omitempty"`
	Dropped   bool     `json:"dropped"`
}

// ContextResponse is the JSON representation of an execution context.
type ContextResponse struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Level     string         `json:"level"`
	State     string         `json:"state"`
	Limits    map[string]int `json:"limits"`
	Resources int            `json:"resources"`
	CreatedAt time.Time      `json:"created_at"`
}

// ContextDetailResponse extends ContextResponse with validation and
// overhead reports for GET /api/contexts/{id}.
type ContextDetailResponse struct {
	ContextResponse
	LeakFree          bool     `json:"leak_free"`
	ContaminationFree bool     `json:"contamination_free"`
	Findings          []string `json:"findings,omitempty"`
	OverheadPoints    int      `json:"overhead_points"`
}

// CleanupResponse is the JSON response for DELETE /api/contexts/{id}.
type CleanupResponse struct {
	ContextID        string   `json:"context_id"`
	ResourcesCleaned int      `json:"resources_cleaned"`
	Failures         []string `json:"failures,omitempty"`
}

// ToolCheckRequest is the JSON request body for POST /api/tools/check.
// Limits are the caller's granted ceilings; when absent the baseline
// grant applies.
type ToolCheckRequest struct {
	UserID string         `json:"user_id"`
	Tool   string         `json:"tool"`
	Limits []GrantRequest `json:"limits,omitempty"`
}

// GrantRequest is one granted ceiling set in a ToolCheckRequest.
type GrantRequest struct {
	Name      string `json:"name"`
	PerMinute *int   `json:"per_minute,omitempty"`
	PerHour   *int   `json:"per_hour,omitempty"`
	PerDay    *int   `json:"per_day,omitempty"`
}

// ToolCheckResponse is the JSON response for POST /api/tools/check.
type ToolCheckResponse struct {
	Allowed      bool   `json:"allowed"`
	Period       string `json:"period,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	CurrentUsage int64  `json:"current_usage,omitempty"`
	Degraded     bool   `json:"degraded"`
}

// ToolReportRequest is the JSON request body for POST /api/tools/report,
// sent after a tool invocation completes.
type ToolReportRequest struct {
	UserID     string `json:"user_id"`
	Tool       string `json:"tool"`
	DurationMS int64  `json:"duration_ms"`
	Outcome    string `json:"outcome"`
}

// UsageStatsResponse is the JSON response for GET /api/stats/usage.
type UsageStatsResponse struct {
	InvocationCount int64 `json:"invocation_count"`
	ErrorCount      int64 `json:"error_count"`
	TotalDurationMS int64 `json:"total_duration_ms"`
}

// baselineGrant applies when a check request carries no explicit limits.
var baselineGrant = ratelimit.Grant{
	Name:      "baseline",
	PerMinute: ratelimit.Limit(60),
	PerHour:   ratelimit.Limit(1000),
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleSendEvent routes an agent lifecycle event to the addressed
// user's live connections.
func (g *Gateway) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Type == "" {
		http.Error(w, "user_id and type are required", http.StatusBadRequest)
		return
	}

	delivery, err := g.bridge.SendToUser(r.Context(), bridge.Event{
		Type:     bridge.EventType(req.Type),
		UserID:   req.UserID,
		ThreadID: req.ThreadID,
		RunID:    req.RunID,
		Data:     req.Data,
	})
	if err != nil {
		if errors.Is(err, bridge.ErrNoOwner) {
			http.Error(w, "no active session for user", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Failed sends count against the connection as transient faults.
	for _, connID := range delivery.Failed {
		_ = g.connections.HandleError(connID, errSendFailed, connection.TierNetwork)
	}

	writeJSON(w, http.StatusOK, SendEventResponse{
		EventID:   delivery.EventID,
		Delivered: delivery.Delivered,
		Failed:    delivery.Failed,
		Dropped:   delivery.Dropped,
	})
}

var errSendFailed = errors.New("event delivery failed")

func contextResponse(info isolation.ContextInfo) ContextResponse {
	return ContextResponse{
		ID:        info.ID,
		UserID:    info.UserID,
		SessionID: info.SessionID,
		Level:     string(info.Level),
		State:     string(info.State),
		Limits:    info.Limits,
		Resources: len(info.Resources),
		CreatedAt: info.CreatedAt,
	}
}

// handleListContexts returns all active execution contexts.
func (g *Gateway) handleListContexts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contexts := make([]ContextResponse, 0)
	for _, id := range g.registry.ActiveContextIDs() {
		if info, ok := g.registry.GetContext(id); ok {
			contexts = append(contexts, contextResponse(info))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": contexts})
}

// handleContextRoutes dispatches /api/contexts/{id} by method: GET for
// inspection, DELETE for teardown (?force=true overrides CLEANING_UP).
func (g *Gateway) handleContextRoutes(w http.ResponseWriter, r *http.Request) {
	contextID := strings.TrimPrefix(r.URL.Path, "/api/contexts/")
	if contextID == "" || strings.Contains(contextID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		g.handleGetContext(w, r, contextID)
	case http.MethodDelete:
		g.handleCleanupContext(w, r, contextID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleGetContext(w http.ResponseWriter, _ *http.Request, contextID string) {
	info, ok := g.registry.GetContext(contextID)
	if !ok {
		http.Error(w, "context not found", http.StatusNotFound)
		return
	}

	detail := ContextDetailResponse{ContextResponse: contextResponse(info)}
	if validation, err := g.registry.ValidateIsolation(contextID); err == nil {
		detail.LeakFree = validation.LeakFree
		detail.ContaminationFree = validation.ContaminationFree
		detail.Findings = validation.Findings
	}
	if overhead, err := g.registry.Overhead(contextID); err == nil {
		detail.OverheadPoints = overhead.Total
	}
	writeJSON(w, http.StatusOK, detail)
}

func (g *Gateway) handleCleanupContext(w http.ResponseWriter, r *http.Request, contextID string) {
	force := r.URL.Query().Get("force") == "true"

	result, err := g.registry.CleanupContext(contextID, force)
	if err != nil {
		switch {
		case errors.Is(err, isolation.ErrContextNotFound):
			http.Error(w, "context not found", http.StatusNotFound)
		case errors.Is(err, isolation.ErrCleanupInProgress):
			http.Error(w, "cleanup already in progress", http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	resp := CleanupResponse{
		ContextID:        result.ContextID,
		ResourcesCleaned: result.ResourcesCleaned,
	}
	for _, f := range result.Failures {
		resp.Failures = append(resp.Failures, f.Name+": "+f.Error)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleToolCheck answers whether a tool invocation is within the
// caller's granted rate limits. The counter is not consumed; callers
// report completed invocations via /api/tools/report.
func (g *Gateway) handleToolCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ToolCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Tool == "" {
		http.Error(w, "user_id and tool are required", http.StatusBadRequest)
		return
	}

	grants := make([]ratelimit.Grant, 0, len(req.Limits))
	for _, l := range req.Limits {
		grants = append(grants, ratelimit.Grant{
			Name:      l.Name,
			PerMinute: l.PerMinute,
			PerHour:   l.PerHour,
			PerDay:    l.PerDay,
		})
	}
	if len(grants) == 0 {
		grants = append(grants, baselineGrant)
	}

	decision := g.limiter.Check(r.Context(), req.UserID, req.Tool, grants)
	resp := ToolCheckResponse{
		Allowed:  decision.Allowed,
		Degraded: decision.Degraded,
	}
	if !decision.Allowed {
		resp.Period = string(decision.Period)
		resp.Limit = decision.Limit
		resp.CurrentUsage = decision.CurrentUsage
	}

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, resp)
}

// handleToolReport records a completed tool invocation: the usage
// counters advance and the invocation lands in the analytics ledger.
func (g *Gateway) handleToolReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ToolReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Tool == "" {
		http.Error(w, "user_id and tool are required", http.StatusBadRequest)
		return
	}
	outcome := req.Outcome
	if outcome == "" {
		outcome = ratelimit.OutcomeSuccess
	}

	g.limiter.Record(r.Context(), req.UserID, req.Tool, time.Duration(req.DurationMS)*time.Millisecond, outcome)

	usage := &store.ToolUsage{
		UserID:     req.UserID,
		Tool:       req.Tool,
		DurationMS: req.DurationMS,
		Outcome:    outcome,
	}
	if err := g.store.SaveToolUsage(r.Context(), usage); err != nil {
		g.logger.Warn("failed to record tool usage", "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleUsageStats returns aggregate tool usage, optionally filtered by
// user_id and tool query parameters.
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var filter store.UsageFilter
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		filter.UserID = &userID
	}
	if tool := r.URL.Query().Get("tool"); tool != "" {
		filter.Tool = &tool
	}

	stats, err := g.store.GetUsageStats(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, UsageStatsResponse{
		InvocationCount: stats.InvocationCount,
		ErrorCount:      stats.ErrorCount,
		TotalDurationMS: stats.TotalDurationMS,
	})
}
