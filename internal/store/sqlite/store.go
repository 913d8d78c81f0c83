// Package sqlite implements the broker's binding journal backed by a SQLite
// database: an append-only log of lifecycle transitions plus an archive of
// closed bindings. The journal is observability data; the registry never
// reloads live state from it.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/burrownet/burrow/internal/domain"
)

// Store wraps a SQLite database connection for all journal operations.
type Store struct {
	db *sql.DB
}

const defaultMaxOpenConns = 4

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for concurrent reads.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxOpenConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the journal schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS binding_events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			binding_id TEXT NOT NULL,
			subdomain  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			at         TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_binding_events_at ON binding_events(at)`,
		`CREATE INDEX IF NOT EXISTS idx_binding_events_binding ON binding_events(binding_id)`,
		`CREATE TABLE IF NOT EXISTS closed_bindings (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL DEFAULT '',
			subdomain       TEXT NOT NULL,
			local_target    TEXT NOT NULL,
			remote_endpoint TEXT NOT NULL,
			created_at      TIMESTAMP NOT NULL,
			closed_at       TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_bindings_closed_at ON closed_bindings(closed_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

// RecordEvent appends one lifecycle transition to the journal.
func (s *Store) RecordEvent(ctx context.Context, bindingID, subdomain, kind string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO binding_events (binding_id, subdomain, kind, at)
VALUES (?, ?, ?, ?)`, bindingID, subdomain, kind, at.UTC())
	return err
}

// ArchiveClosed records a binding's terminal snapshot. Re-archiving the
// same id replaces the row, so replayed close events stay idempotent.
func (s *Store) ArchiveClosed(ctx context.Context, b domain.Binding, closedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO closed_bindings (id, name, subdomain, local_target, remote_endpoint, created_at, closed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET closed_at = excluded.closed_at`,
		b.ID, b.Name, b.Subdomain, b.LocalTarget.String(), b.RemoteEndpoint, b.CreatedAt.UTC(), closedAt.UTC())
	return err
}

// ListClosed returns the most recently closed bindings, newest first.
func (s *Store) ListClosed(ctx context.Context, limit int) ([]domain.BindingDescriptor, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, subdomain, local_target, remote_endpoint, created_at, closed_at
FROM closed_bindings
ORDER BY closed_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.BindingDescriptor
	for rows.Next() {
		var d domain.BindingDescriptor
		var closedAt time.Time
		if err := rows.Scan(&d.ID, &d.Name, &d.Subdomain, &d.LocalTarget, &d.RemoteEndpoint, &d.CreatedAt, &closedAt); err != nil {
			return nil, err
		}
		d.Status = domain.BindingStatusClosed
		d.LastHeartbeatAt = closedAt
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecentEvents returns a binding's journal entries, newest first.
func (s *Store) RecentEvents(ctx context.Context, bindingID string, limit int) ([]domain.BindingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT binding_id, subdomain, kind, at
FROM binding_events
WHERE binding_id = ?
ORDER BY seq DESC
LIMIT ?`, bindingID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.BindingEvent
	for rows.Next() {
		var e domain.BindingEvent
		if err := rows.Scan(&e.BindingID, &e.Subdomain, &e.Kind, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneEvents deletes journal entries older than the cutoff, bounded per
// call so the janitor never holds the writer for long.
func (s *Store) PruneEvents(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM binding_events
WHERE seq IN (
	SELECT seq FROM binding_events WHERE at < ? ORDER BY seq LIMIT ?
)`, olderThan.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func ensureParentDir(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("empty database path")
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	return nil
}
