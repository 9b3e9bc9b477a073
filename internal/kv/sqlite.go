package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/felixgeelhaar/murmur/internal/clock"
	_ "modernc.org/sqlite"
)

// SQLite is a single-file Store for deployments without Redis. Expiry is
// enforced on read and reclaimed by Sweep.
type SQLite struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLite opens (or creates) the database at dbPath. ":memory:" gives a
// private in-memory database.
func NewSQLite(dbPath string, clk clock.Clock) (*SQLite, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if dbPath == "" {
		dbPath = ":memory:"
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, clock: clk}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS kv_hash (
			key TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (key, field)
		);`,
		`CREATE TABLE IF NOT EXISTS kv_expiry (
			key TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, committing only when fn succeeds.
func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// purge removes key if its deadline has passed.
func (s *SQLite) purge(ctx context.Context, tx *sql.Tx, key string) error {
	var expiresAt int64
	err := tx.QueryRowContext(ctx, `SELECT expires_at FROM kv_expiry WHERE key = ?`, key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.clock.Now().UnixNano() < expiresAt {
		return nil
	}
	return deleteKey(ctx, tx, key)
}

func deleteKey(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_hash WHERE key = ?`, key); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM kv_expiry WHERE key = ?`, key)
	return err
}

const upsertField = `INSERT INTO kv_hash (key, field, value) VALUES (?, ?, ?)
	ON CONFLICT(key, field) DO UPDATE SET value = excluded.value`

func (s *SQLite) HSet(ctx context.Context, key string, fields map[string]string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.purge(ctx, tx, key); err != nil {
			return err
		}
		for f, v := range fields {
			if _, err := tx.ExecContext(ctx, upsertField, key, f, v); err != nil {
				return fmt.Errorf("hset %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *SQLite) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.purge(ctx, tx, key); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv_hash WHERE key = ? AND field = ?`, key, field).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return value, found, err
}

func (s *SQLite) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.purge(ctx, tx, key); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT field, value FROM kv_hash WHERE key = ?`, key)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var f, v string
			if err := rows.Scan(&f, &v); err != nil {
				return err
			}
			out[f] = v
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLite) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	var result int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.purge(ctx, tx, key); err != nil {
			return err
		}
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv_hash WHERE key = ? AND field = ?`, key, field).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			result = delta
		case err != nil:
			return err
		default:
			cur, perr := strconv.ParseInt(raw, 10, 64)
			if perr != nil {
				return ErrNotInteger
			}
			result = cur + delta
		}
		_, err = tx.ExecContext(ctx, upsertField, key, field, strconv.FormatInt(result, 10))
		return err
	})
	return result, err
}

func (s *SQLite) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.purge(ctx, tx, key); err != nil {
			return err
		}
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_hash WHERE key = ?`, key).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if ttl <= 0 {
			return deleteKey(ctx, tx, key)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv_expiry (key, expires_at) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
			key, s.clock.Now().Add(ttl).UnixNano())
		return err
	})
}

func (s *SQLite) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			if err := deleteKey(ctx, tx, k); err != nil {
				return fmt.Errorf("del %s: %w", k, err)
			}
		}
		return nil
	})
}

func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.sweep(ctx, tx); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT key FROM kv_hash WHERE substr(key, 1, ?) = ? ORDER BY key`,
			len(prefix), prefix)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	return keys, err
}

// Sweep deletes every expired key.
func (s *SQLite) Sweep(ctx context.Context) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.sweep(ctx, tx)
		return err
	})
	return n, err
}

func (s *SQLite) sweep(ctx context.Context, tx *sql.Tx) (int, error) {
	now := s.clock.Now().UnixNano()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv_hash WHERE key IN (SELECT key FROM kv_expiry WHERE expires_at <= ?)`, now); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM kv_expiry WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
