package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "pulse-v1-2026-09-02-heartbeat-scheduler"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5

	defaultListLimit = 50
	maxListLimit     = 500
)

// ErrEmptyMessage is returned when a reminder is inserted without text.
var ErrEmptyMessage = errors.New("reminder message must not be empty")

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pulse", "pulse.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS agent_state (
			agent_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'idle',
			cycle INTEGER NOT NULL DEFAULT 0,
			total_runs INTEGER NOT NULL DEFAULT 0,
			last_run_at DATETIME,
			last_error TEXT,
			consecutive_errors INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			started_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL CHECK(outcome IN ('success', 'error', 'rate_limit')),
			error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS event_last_fire (
			event_key TEXT PRIMARY KEY,
			last_fire_epoch INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS scheduler_fires (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fire_key TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('event', 'reminder')),
			fired_at DATETIME NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fire_at_epoch INTEGER NOT NULL,
			message TEXT NOT NULL CHECK(length(message) > 0),
			fired INTEGER NOT NULL DEFAULT 0 CHECK(fired IN (0, 1)),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_agent_started ON agent_runs(agent_id, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduler_fires_fired_at ON scheduler_fires(fired_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(fired, fire_at_epoch);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// KVSet upserts a bookkeeping value.
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, key, val)
		if err != nil {
			return fmt.Errorf("kv set: %w", err)
		}
		return nil
	})
}

// KVGet retrieves a value from kv. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

// Backup creates an online-consistent copy of the database with VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedRuns      int64 `json:"purged_runs"`
	PurgedFires     int64 `json:"purged_fires"`
	PurgedReminders int64 `json:"purged_reminders"`
}

// RunRetention deletes run and fire history older than the given windows.
// Fired reminders age out with the fire window; unfired reminders are never
// touched. Zero or negative windows disable that category.
func (s *Store) RunRetention(ctx context.Context, runDays, fireDays int) (RetentionResult, error) {
	var result RetentionResult
	now := time.Now().UTC()

	if runDays > 0 {
		cutoff := now.AddDate(0, 0, -runDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM agent_runs WHERE started_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge agent_runs: %w", err)
		}
		result.PurgedRuns, _ = res.RowsAffected()
	}

	if fireDays > 0 {
		cutoff := now.AddDate(0, 0, -fireDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_fires WHERE fired_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge scheduler_fires: %w", err)
		}
		result.PurgedFires, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `DELETE FROM reminders WHERE fired = 1 AND fire_at_epoch < ?;`, cutoff.Unix())
		if err != nil {
			return result, fmt.Errorf("purge reminders: %w", err)
		}
		result.PurgedReminders, _ = res.RowsAffected()
	}

	return result, nil
}

// clampLimit defaults a non-positive list limit and caps a large one.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
