// Package settings provides a small persistent key/value store backed by
// SQLite, used for session state that must survive process restarts.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// Store is a persistent string key/value store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the store at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	schema := `CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate settings schema: %w", err)
	}
	return nil
}

// Get returns the value for key, and whether it was present.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// GetInt64 returns the value for key parsed as an integer. A missing key or an
// unparsable value yields the fallback.
func (s *Store) GetInt64(key string, fallback int64) (int64, error) {
	value, ok, err := s.Get(key)
	if err != nil {
		return fallback, err
	}
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback, nil
	}
	return n, nil
}

// Set stores key=value, replacing any previous value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// SetInt64 stores key with an integer value.
func (s *Store) SetInt64(key string, value int64) error {
	return s.Set(key, strconv.FormatInt(value, 10))
}

// Delete removes the given keys. Missing keys are ignored.
func (s *Store) Delete(keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
