// Package postgres provides a Postgres-backed storage.KV and a LISTEN/NOTIFY storage.Bus
// for clients that share session state across hosts.
package postgres

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

// Open migrates the schema at dsn and returns a Store for namespace.
func Open(dsn, namespace string) (*Store, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, errors.New("storage namespace is required")
	}
	if err := migrate.Run(dsn, "up"); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	sqlDB, err := db.OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	return NewStore(sqlDB, namespace), nil
}

// NewStore returns a Store over an already migrated database.
func NewStore(sqlDB *sql.DB, namespace string) *Store {
	return &Store{sqlDB: sqlDB, namespace: namespace, nowF: time.Now}
}

// DB exposes the underlying pool, e.g. for the notification bus.
func (s *Store) DB() *sql.DB { return s.sqlDB }

// Close releases the underlying connection pool.
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
		`SELECT value FROM kv_entries WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// GetMany returns the present keys among keys.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT key, value FROM kv_entries WHERE namespace = $1 AND key = ANY($2)`,
		s.namespace, keys,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetMany upserts all values in one transaction.
func (s *Store) SetMany(ctx context.Context, values map[string]string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.nowF().UTC().UnixMilli()
	for k, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_entries (namespace, key, value, updated_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			s.namespace, k, v, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteMany removes keys in one statement.
func (s *Store) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE namespace = $1 AND key = ANY($2)`,
		s.namespace, keys,
	)
	return err
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
			`INSERT INTO kv_entries (namespace, key, value, updated_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (namespace, key) DO NOTHING`,
			s.namespace, key, next, now)
	case next == "":
		res, err = s.sqlDB.ExecContext(ctx,
			`DELETE FROM kv_entries WHERE namespace = $1 AND key = $2 AND value = $3`,
			s.namespace, key, prev)
	default:
		res, err = s.sqlDB.ExecContext(ctx,
			`UPDATE kv_entries SET value = $1, updated_at = $2 WHERE namespace = $3 AND key = $4 AND value = $5`,
			next, now, s.namespace, key, prev)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ storage.KV = (*Store)(nil)
