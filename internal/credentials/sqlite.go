package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend using SQLite.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the credential database at dbPath.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open credential database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY between concurrent token rewrites.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping credential database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS credentials (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := b.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Get returns the value stored under key.
func (b *SQLiteBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read credential %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key.
func (b *SQLiteBackend) Set(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	return withBusyRetry(ctx, "set "+key, func() error {
		_, err := b.db.ExecContext(ctx, query, key, value, time.Now().Unix())
		return err
	})
}

// Delete removes keys in a single statement.
func (b *SQLiteBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	return withBusyRetry(ctx, "delete", func() error {
		_, err := b.db.ExecContext(ctx, `DELETE FROM credentials WHERE key IN (`+placeholders+`)`, args...)
		return err
	})
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close credential database: %w", err)
	}
	return nil
}

// isConflictError reports SQLITE_BUSY and "database is locked" failures.
func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withBusyRetry retries op with exponential backoff on SQLite lock conflicts.
func withBusyRetry(ctx context.Context, opName string, op func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		if err = op(); err == nil {
			return nil
		}
		if !isConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("Credential write hit a locked database, retrying",
			"op", opName,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("credential %s: %w", opName, err)
}
