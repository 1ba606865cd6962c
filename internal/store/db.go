// Package store implements the persistent mail store: a SQLite metadata
// index shared through a bounded connection pool, and a content-addressed
// .eml file store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyRetryMax  = 5
	busyRetryBase = 10 * time.Millisecond
	busyRetryCap  = 500 * time.Millisecond
)

// DB wraps the shared SQLite handle. database/sql provides the connection
// pool; Open sizes it and applies the per-connection pragmas through the DSN.
type DB struct {
	*sql.DB
}

// Open opens (creating if necessary) the mail database at path and
// initializes the schema. poolSize bounds concurrent connections shared
// by the SMTP and POP3 handlers.
func Open(path string, poolSize int) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=1000&_cache_size=2000"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if poolSize <= 0 {
		poolSize = 30
	}
	sqlDB.SetMaxOpenConns(poolSize)
	sqlDB.SetMaxIdleConns(poolSize)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("validating database connection: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA temp_store = MEMORY"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("setting temp_store: %w", err)
	}

	db := &DB{DB: sqlDB}
	if err := db.initSchema(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// initSchema creates the tables and indexes if they do not exist.
func (db *DB) initSchema() error {
	_, err := db.Exec(`

		CREATE TABLE IF NOT EXISTS users (
			username      TEXT PRIMARY KEY,
			email         TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			salt          TEXT NOT NULL,
			full_name     TEXT NOT NULL DEFAULT '',
			is_active     BOOLEAN NOT NULL DEFAULT 1,
			created_at    TEXT NOT NULL,
			last_login    TEXT
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);

		CREATE TABLE IF NOT EXISTS emails (
			message_id   TEXT PRIMARY KEY,
			from_addr    TEXT NOT NULL,
			to_addrs     TEXT NOT NULL, -- JSON array
			subject      TEXT NOT NULL,
			date         TEXT NOT NULL, -- ISO-8601
			size         INTEGER NOT NULL DEFAULT 0,
			is_read      BOOLEAN NOT NULL DEFAULT 0,
			is_deleted   BOOLEAN NOT NULL DEFAULT 0,
			is_spam      BOOLEAN NOT NULL DEFAULT 0,
			spam_score   REAL NOT NULL DEFAULT 0,
			content_path TEXT,
			is_recalled  BOOLEAN NOT NULL DEFAULT 0,
			recalled_at  TEXT,
			recalled_by  TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(date);
		CREATE INDEX IF NOT EXISTS idx_emails_from ON emails(from_addr);

		CREATE TABLE IF NOT EXISTS sent_emails (
			message_id      TEXT PRIMARY KEY,
			from_addr       TEXT NOT NULL,
			to_addrs        TEXT NOT NULL, -- JSON array
			cc_addrs        TEXT NOT NULL DEFAULT '[]',
			bcc_addrs       TEXT NOT NULL DEFAULT '[]',
			subject         TEXT NOT NULL,
			date            TEXT NOT NULL,
			size            INTEGER NOT NULL DEFAULT 0,
			has_attachments BOOLEAN NOT NULL DEFAULT 0,
			content_path    TEXT,
			status          TEXT NOT NULL DEFAULT 'sent',
			is_read         BOOLEAN NOT NULL DEFAULT 0,
			is_spam         BOOLEAN NOT NULL DEFAULT 0,
			spam_score      REAL NOT NULL DEFAULT 0,
			is_recalled     BOOLEAN NOT NULL DEFAULT 0,
			recalled_at     TEXT,
			recalled_by     TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_sent_emails_date ON sent_emails(date);
	`)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying with exponential backoff while SQLite
// reports the database as locked. WAL writers serialize, so short waits
// normally clear the contention.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := busyRetryBase
	for attempt := 0; attempt < busyRetryMax; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > busyRetryCap {
			delay = busyRetryCap
		}
	}
	return err
}

// isBusy reports whether the error is a SQLite lock contention error.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
