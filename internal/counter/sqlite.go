// ABOUTME: SQLite-backed counter store using modernc.org/sqlite.
// ABOUTME: Survives process restarts so rate-limit windows are not reset by a redeploy.

package counter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database. Increments use an
// upsert so concurrent callers never lose counts.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a counter database at the given path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "counter")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating counter directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening counter database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS counters (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL,
			expires_at DATETIME
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating counter schema: %w", err)
	}

	logger.Info("counter store initialized", "path", path)
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// Get returns the current value for key, treating expired rows as absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) (int64, bool, error) {
	query := `SELECT value, expires_at FROM counters WHERE key = ?`

	var value int64
	var expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if expiresAt.Valid {
		deadline, err := time.Parse(time.RFC3339, expiresAt.String)
		if err == nil && s.now().After(deadline) {
			return 0, false, nil
		}
	}
	return value, true, nil
}

// Incr increments key and returns the new value. An expired row is
// reset to 1 rather than continued.
func (s *SQLiteStore) Incr(ctx context.Context, key string) (int64, error) {
	nowStr := s.now().UTC().Format(time.RFC3339)

	query := `
		INSERT INTO counters (key, value, expires_at) VALUES (?, 1, NULL)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN expires_at IS NOT NULL AND expires_at < ? THEN 1 ELSE value + 1 END,
			expires_at = CASE WHEN expires_at IS NOT NULL AND expires_at < ? THEN NULL ELSE expires_at END
	`
	if _, err := s.db.ExecContext(ctx, query, key, nowStr, nowStr); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var value int64
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE key = ?`, key).Scan(&value); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return value, nil
}

// Expire sets the TTL for an existing key. Absent keys are ignored.
func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	deadline := s.now().Add(ttl).UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `UPDATE counters SET expires_at = ? WHERE key = ?`, deadline, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Sweep deletes expired rows. Intended to be called periodically by the
// owning process; SQLite has no native TTL.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	nowStr := s.now().UTC().Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE expires_at IS NOT NULL AND expires_at < ?`, nowStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return removed, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
