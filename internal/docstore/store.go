// Package docstore is the document-store half of the dual-store write
// path: a single sqlite file holding one JSON blob per logical
// document, versioned for optimistic concurrency. It follows the
// teacher's single-writer, WAL-mode, busy-retry discipline, generalized
// from task rows to arbitrary named collections.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "narrativecore-docstore-v1"
)

// ErrVersionConflict is returned by UpdateDocument when the caller's
// expected version no longer matches the stored row.
var ErrVersionConflict = errors.New("docstore: version conflict")

// ErrNotFound is returned by GetDocument/UpdateDocument/DeleteDocument
// when no row exists for the given collection/id.
var ErrNotFound = errors.New("docstore: not found")

// documentCollections hold one versioned JSON document per id, used by
// components that read-modify-write under optimistic concurrency
// (users, narrative_fragments, items, hints, missions,
// workflows_journal, scheduled_posts, message_tracking).
var documentCollections = []string{
	"users",
	"narrative_fragments",
	"items",
	"hints",
	"missions",
	"workflows_journal",
	"scheduled_posts",
	"message_tracking",
}

// appendCollections are append-only logs keyed by an autoincrement
// sequence (currency_transactions, events_audit, admin_logs,
// local_replay_queue, dead_letters).
var appendCollections = []string{
	"currency_transactions",
	"events_audit",
	"admin_logs",
	"local_replay_queue",
	"dead_letters",
}

// Store wraps a single sqlite database file holding every document
// collection the core owns.
type Store struct {
	db *sql.DB
}

// DefaultPath mirrors the teacher's DefaultDBPath idiom for a
// per-component default location under the user's home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".narrativecore", "docstore.db")
}

// Open creates (or reuses) a sqlite document store at path, applying
// pragmas and the schema migration ledger.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create docstore directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
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
	if maxVersion > schemaVersion {
		return fmt.Errorf("docstore schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("docstore schema checksum mismatch: got %q want %q", existing, schemaChecksum)
		}
		return tx.Commit()
	}

	for _, name := range documentCollections {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`, name)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}

	for _, name := range appendCollections {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			record_key TEXT,
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`, name)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create append log %s: %w", name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_currency_transactions_key
		ON currency_transactions(record_key);
	`); err != nil {
		return fmt.Errorf("index currency_transactions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	return tx.Commit()
}

// retryOnBusy retries f while sqlite reports BUSY/LOCKED, with bounded
// exponential backoff and jitter. Mirrors the teacher's idiom for the
// same failure class.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
