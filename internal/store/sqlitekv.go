package store

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
)

const (
	defaultSQLiteMaxEntries    = 10000
	defaultSQLiteMaxValueBytes = int64(1 << 20) // 1 MiB
)

// SQLiteStore is the larger-capacity primary DurableStore.
//
// WAL is enabled to support concurrent reads while writing (UI and telemetry
// observe the same state the worker mutates).
type SQLiteStore struct {
	db     *sql.DB
	limits Limits
}

type SQLiteOptions struct {
	// Path is the sqlite database file path.
	Path string

	// MaxEntries and MaxValueBytes override the capacity contract.
	// If <= 0, safe defaults are used.
	MaxEntries    int
	MaxValueBytes int64
}

func OpenSQLite(opts SQLiteOptions) (*SQLiteStore, error) {
	p := filepath.Clean(strings.TrimSpace(opts.Path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initKVSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	limits := Limits{MaxEntries: opts.MaxEntries, MaxValueBytes: opts.MaxValueBytes}
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = defaultSQLiteMaxEntries
	}
	if limits.MaxValueBytes <= 0 {
		limits.MaxValueBytes = defaultSQLiteMaxValueBytes
	}

	return &SQLiteStore{db: db, limits: limits}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Limits() Limits {
	if s == nil {
		return Limits{}
	}
	return s.limits
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("missing key")
	}

	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("missing key")
	}
	if s.limits.MaxValueBytes > 0 && int64(len(value)) > s.limits.MaxValueBytes {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}

	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO kv_entries(key, value, updated_at_unix_ms) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_unix_ms = excluded.updated_at_unix_ms
`, key, value, now); err != nil {
		return err
	}

	if err := evictOldestLocked(ctx, tx, s.limits.MaxEntries); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("missing key")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT key FROM kv_entries WHERE key >= ? AND key < ? ORDER BY key ASC
`, prefix, prefix+"￿")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func evictOldestLocked(ctx context.Context, tx *sql.Tx, maxEntries int) error {
	if maxEntries <= 0 {
		return nil
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM kv_entries`).Scan(&n); err != nil {
		return err
	}
	if n <= maxEntries {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
DELETE FROM kv_entries WHERE key IN (
  SELECT key FROM kv_entries ORDER BY updated_at_unix_ms ASC, key ASC LIMIT ?
)
`, n-maxEntries)
	return err
}

func initKVSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS kv_entries (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_entries_updated ON kv_entries(updated_at_unix_ms ASC);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
