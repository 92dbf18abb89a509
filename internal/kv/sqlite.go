package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a SQLite database file. Several processes on the
// same host may open the same file; every conditional write is a single statement.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers in-process.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLite{db: db, now: time.Now}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_values (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_kv_values_expires_at ON kv_values(expires_at);
		CREATE TABLE IF NOT EXISTS kv_lists (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			key   TEXT NOT NULL,
			value TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_kv_lists_key ON kv_lists(key, id);
	`)
	return err
}

// expiresAt encodes ttl as unix nanoseconds; 0 means no expiry.
func (s *SQLite) expiresAt(ttl time.Duration) int64 {
	t := expiry(s.now(), ttl)
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv_values
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
	`, key, s.now().UnixNano()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_values (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, s.expiresAt(ttl))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_values WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_lists WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete list %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv_values
		WHERE substr(key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key
	`, len(prefix), prefix, s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func (s *SQLite) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.now().UnixNano()
	// The conflict branch only overwrites rows that have already expired.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_values (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE kv_values.expires_at > 0 AND kv_values.expires_at <= ?
	`, key, value, s.expiresAt(ttl), now)
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLite) CompareAndExpire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE kv_values SET expires_at = ?
		WHERE key = ? AND value = ? AND (expires_at = 0 OR expires_at > ?)
	`, s.expiresAt(ttl), key, value, s.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLite) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM kv_values
		WHERE key = ? AND value = ? AND (expires_at = 0 OR expires_at > ?)
	`, key, value, s.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("compare and delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("compare and delete %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLite) RPush(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv_lists (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Index(ctx context.Context, key string, i int) (string, bool, error) {
	if i < 0 {
		return "", false, nil
	}
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv_lists WHERE key = ? ORDER BY id LIMIT 1 OFFSET ?
	`, key, i).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("index %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLite) Range(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value FROM kv_lists WHERE key = ? ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan list value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate list: %w", err)
	}
	return values, nil
}

func (s *SQLite) Len(ctx context.Context, key string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_lists WHERE key = ?`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("len %s: %w", key, err)
	}
	return n, nil
}

func (s *SQLite) Remove(ctx context.Context, key, value string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_lists WHERE key = ? AND value = ?`, key, value)
	if err != nil {
		return 0, fmt.Errorf("remove from %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("remove from %s: %w", key, err)
	}
	return int(n), nil
}

// PurgeExpired deletes values whose expiry has passed.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM kv_values WHERE expires_at > 0 AND expires_at <= ?
	`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
