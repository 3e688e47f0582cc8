package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"overdrive/internal/logging"
)

// SQLite is the production KV store, one table keyed by the encoded key.
type SQLite struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// OpenSQLite creates or opens the store at path, creating parent
// directories as needed.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	s := &SQLite{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("opened sqlite store at %s", path)
	return s, nil
}

func (s *SQLite) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		k TEXT PRIMARY KEY,
		v BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_kv_prefix ON kv(k);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("store: enable WAL: %w", err)
	}
	return nil
}

// Read implements KV.
func (s *SQLite) Read(ctx context.Context, key []string) ([]byte, error) {
	k, err := EncodeKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err = s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, k).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", k, err)
	}
	return value, nil
}

// Write implements KV.
func (s *SQLite) Write(ctx context.Context, key []string, value []byte) error {
	k, err := EncodeKey(key)
	if err != nil {
		return err
	}
	defer logging.StartTimer(logging.CategoryStore, "write "+k)()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (k, v, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = CURRENT_TIMESTAMP
	`, k, value)
	if err != nil {
		return fmt.Errorf("store: write %s: %w", k, err)
	}
	return nil
}

// Remove implements KV.
func (s *SQLite) Remove(ctx context.Context, key []string) error {
	k, err := EncodeKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, k); err != nil {
		return fmt.Errorf("store: remove %s: %w", k, err)
	}
	return nil
}

// List implements KV.
func (s *SQLite) List(ctx context.Context, prefix []string) ([][]string, error) {
	p, err := EncodeKey(prefix)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT k FROM kv WHERE k = ? OR k LIKE ? ORDER BY k`, p, p+keySeparator+"%")
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", p, err)
	}
	defer rows.Close()

	var keys [][]string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: scan key: %w", err)
		}
		keys = append(keys, DecodeKey(k))
	}
	return keys, rows.Err()
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
