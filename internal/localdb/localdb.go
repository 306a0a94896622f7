// Package localdb owns the embedded per-device database: the single SQLite
// handle, schema migrations, and the readiness gate every other component
// consults before touching storage.
package localdb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added partial UNIQUE index enforcing the note natural key
// 2 - Added covering index for per-entity queue scans
const currentSchemaVersion = 2

var (
	// ErrNotReady is returned when storage is used before Initialize.
	ErrNotReady = errors.New("localdb: not initialized")

	// ErrStorageUnavailable is returned after a failed initialization or
	// migration. The store stays unavailable until Reset or a successful
	// re-initialization.
	ErrStorageUnavailable = errors.New("localdb: storage unavailable")
)

// Manager is the process-wide owner of the embedded database handle.
// All repository and queue access goes through Handle(), which enforces
// the readiness gate. Constructed once at bootstrap and injected into
// every component; never reached as ambient global state.
type Manager struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	db      *sql.DB
	ready   bool
	initErr error // sticky failure from the last Initialize attempt
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a manager for the database at path. The database is not
// opened until Initialize is called.
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{path: path, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize opens or creates the database, applies pragmas, the base schema
// and any pending migrations strictly in order. Idempotent: calling it again
// once ready is a no-op. A failed migration leaves the manager unavailable
// rather than half-migrated; every migration runs in its own transaction.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ready {
		return nil
	}

	db, err := sql.Open("sqlite3", m.path)
	if err != nil {
		return m.fail(fmt.Errorf("open database: %w", err))
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return m.fail(fmt.Errorf("connect to database: %w", err))
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under the engine's single-writer model.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return m.fail(err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return m.fail(fmt.Errorf("apply schema: %w", err))
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return m.fail(err)
	}

	m.db = db
	m.ready = true
	m.initErr = nil
	m.log.Info().Str("path", m.path).Int("schema_version", currentSchemaVersion).Msg("local database ready")
	return nil
}

// fail records a sticky initialization error. Callers hold m.mu.
func (m *Manager) fail(err error) error {
	m.initErr = err
	m.ready = false
	m.db = nil
	m.log.Error().Err(err).Msg("local database initialization failed")
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// IsReady reports whether the database is open and migrated.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Handle returns the shared database handle, enforcing the readiness gate.
// Before Initialize it returns ErrNotReady; after a failed Initialize it
// returns ErrStorageUnavailable wrapping the cause.
func (m *Manager) Handle() (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return m.db, nil
	}
	if m.initErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, m.initErr)
	}
	return nil, ErrNotReady
}

// Reset wipes all local data. Domain rows and the sync queue are cleared in
// one transaction so no orphaned queue entry can reference wiped data.
func (m *Manager) Reset(ctx context.Context) error {
	db, err := m.Handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"note_details", "notes", "sync_queue"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset: clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset: commit: %w", err)
	}

	m.log.Warn().Msg("local database reset")
	return nil
}

// Stats reports row counts and storage usage for diagnostics.
type Stats struct {
	Ready         bool           `json:"ready"`
	SchemaVersion int            `json:"schema_version"`
	RowCounts     map[string]int `json:"row_counts"`
	FileSizeBytes int64          `json:"file_size_bytes"`
}

// Stats is read-only and side-effect free.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{RowCounts: make(map[string]int)}

	db, err := m.Handle()
	if err != nil {
		return stats, err
	}
	stats.Ready = true

	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&stats.SchemaVersion); err != nil {
		return stats, fmt.Errorf("stats: user_version: %w", err)
	}

	for _, table := range []string{"notes", "note_details", "sync_queue"} {
		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			return stats, fmt.Errorf("stats: count %s: %w", table, err)
		}
		stats.RowCounts[table] = count
	}

	if fi, err := os.Stat(m.path); err == nil {
		stats.FileSizeBytes = fi.Size()
	}

	return stats, nil
}

// Close closes the database connection. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	m.ready = false
	return err
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
// Each migration is all-or-nothing: it commits together with its version bump
// or not at all.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	type migration struct {
		version int
		apply   func(context.Context, *sql.Tx) error
	}
	migrations := []migration{
		{1, migrateToV1},
		{2, migrateToV2},
	}

	for _, mig := range migrations {
		if version >= mig.version {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrate to v%d: begin tx: %w", mig.version, err)
		}
		if err := mig.apply(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", mig.version, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", mig.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: set user_version: %w", mig.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate to v%d: commit: %w", mig.version, err)
		}
		version = mig.version
	}

	return nil
}

// migrateToV1 enforces the natural-key invariant: at most one non-deleted
// note per (teacher, class, subject, term, type).
func migrateToV1(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_notes_natural_key
		ON notes(teacher_id, class_id, subject_id, term_id, type)
		WHERE state != 'deleted'
	`)
	return err
}

// migrateToV2 speeds up the per-entity FIFO scan in the queue consumer.
func migrateToV2(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_sync_queue_entity_status
		ON sync_queue(entity_id, status, id)
	`)
	return err
}
