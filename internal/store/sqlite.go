// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides audit-trail and usage persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_kind_created
			ON audit_events(kind, created_at);

		CREATE TABLE IF NOT EXISTS tool_usage (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tool_usage_user_created
			ON tool_usage(user_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveAuditEvent persists an audit event. A missing ID is assigned.
func (s *SQLiteStore) SaveAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events (id, kind, user_id, session_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Kind,
		event.UserID,
		event.SessionID,
		event.Detail,
		event.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}

	s.logger.Debug("saved audit event",
		"id", event.ID,
		"kind", event.Kind,
		"user_id", event.UserID,
	)
	return nil
}

// GetAuditEvent retrieves a single audit event by ID
func (s *SQLiteStore) GetAuditEvent(ctx context.Context, id string) (*AuditEvent, error) {
	query := `
		SELECT id, kind, user_id, session_id, detail, created_at
		FROM audit_events
		WHERE id = ?
	`

	event := &AuditEvent{}
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&event.ID,
		&event.Kind,
		&event.UserID,
		&event.SessionID,
		&event.Detail,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit event: %w", err)
	}

	event.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return event, nil
}

// ListAuditEvents returns the most recent events of a kind, newest
// first. An empty kind matches all kinds.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, kind string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, kind, user_id, session_id, detail, created_at
		FROM audit_events
		WHERE (? = '' OR kind = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*AuditEvent
	for rows.Next() {
		event := &AuditEvent{}
		var createdAtStr string
		if err := rows.Scan(
			&event.ID,
			&event.Kind,
			&event.UserID,
			&event.SessionID,
			&event.Detail,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		event.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}
	return events, nil
}

// SaveToolUsage stores a tool invocation record.
func (s *SQLiteStore) SaveToolUsage(ctx context.Context, usage *ToolUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tool_usage (id, user_id, tool, duration_ms, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.UserID,
		usage.Tool,
		usage.DurationMS,
		usage.Outcome,
		usage.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting tool usage: %w", err)
	}
	return nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*) as invocations,
			COALESCE(SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END), 0) as errors,
			COALESCE(SUM(duration_ms), 0) as total_duration
		FROM tool_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.UserID != nil {
		query += " AND user_id = ?"
		args = append(args, *filter.UserID)
	}
	if filter.Tool != nil {
		query += " AND tool = ?"
		args = append(args, *filter.Tool)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.InvocationCount,
		&stats.ErrorCount,
		&stats.TotalDurationMS,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	return &stats, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
