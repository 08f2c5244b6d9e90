// Package sqlite provides a SQLite-backed storage.KV for clients on a single host.
// Several processes may open the same file; WAL mode and a busy timeout serialize writers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreidpin/coreidpin-sub004/internal/db"
	"github.com/coreidpin/coreidpin-sub004/internal/db/migrate"
	"github.com/coreidpin/coreidpin-sub004/internal/storage"
)

// Store is a storage.KV over the kv_entries table, scoped to one namespace.
type Store struct {
	sqlDB     *sql.DB
	namespace string
	nowF      func() time.Time
}

// Open migrates and opens the SQLite file at path for namespace.
func Open(path, namespace string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if strings.TrimSpace(namespace) == "" {
		return nil, fmt.Errorf("storage namespace is required")
	}
	if err := migrate.Run(migrate.SQLiteURL(path), "up"); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	sqlDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return &Store{sqlDB: sqlDB, namespace: namespace, nowF: time.Now}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Get returns the value for key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// GetMany returns the present keys among keys.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, s.namespace)
	for _, k := range keys {
		args = append(args, k)
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT key, value FROM kv_entries WHERE namespace = ? AND key IN (`+placeholders(len(keys))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get many: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetMany upserts all values in one transaction.
func (s *Store) SetMany(ctx context.Context, values map[string]string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.nowF().UTC().UnixMilli()
	for k, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_entries (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			s.namespace, k, v, now,
		); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// DeleteMany removes keys in one statement.
func (s *Store) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, s.namespace)
	for _, k := range keys {
		args = append(args, k)
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE namespace = ? AND key IN (`+placeholders(len(keys))+`)`,
		args...,
	); err != nil {
		return fmt.Errorf("delete many: %w", err)
	}
	return nil
}

// CompareAndSwap sets key to next when its current value equals prev.
func (s *Store) CompareAndSwap(ctx context.Context, key, prev, next string) (bool, error) {
	now := s.nowF().UTC().UnixMilli()
	var (
		res sql.Result
		err error
	)
	switch {
	case prev == "" && next == "":
		_, ok, err := s.Get(ctx, key)
		return !ok, err
	case prev == "":
		res, err = s.sqlDB.ExecContext(ctx,
			`INSERT INTO kv_entries (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(namespace, key) DO NOTHING`,
			s.namespace, key, next, now)
	case next == "":
		res, err = s.sqlDB.ExecContext(ctx,
			`DELETE FROM kv_entries WHERE namespace = ? AND key = ? AND value = ?`,
			s.namespace, key, prev)
	default:
		res, err = s.sqlDB.ExecContext(ctx,
			`UPDATE kv_entries SET value = ?, updated_at = ? WHERE namespace = ? AND key = ? AND value = ?`,
			next, now, s.namespace, key, prev)
	}
	if err != nil {
		return false, fmt.Errorf("compare and swap %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ storage.KV = (*Store)(nil)
