package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (db *DB) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return db.now().Add(ttl).UnixMilli()
}

// Get returns the live value for key; expired rows read as missing.
func (db *DB) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, db.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (db *DB) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = CURRENT_TIMESTAMP`,
		key, value, db.expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetNX writes key only when it is absent or expired and reports whether it did.
func (db *DB) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ? AND expires_at > 0 AND expires_at <= ?`,
		key, db.now().UnixMilli(),
	); err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO kv (key, value, expires_at) VALUES (?, ?, ?)`,
		key, value, db.expiry(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return n == 1, nil
}

func (db *DB) Del(ctx context.Context, key string) error {
	if _, err := db.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Keys lists live keys starting with prefix.
func (db *DB) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?) ORDER BY key`,
		len(prefix), prefix, db.now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// LPush appends value to the list; RPop takes the oldest entry, giving FIFO
// order like the Redis LPUSH/RPOP pair.
func (db *DB) LPush(ctx context.Context, key, value string) error {
	if _, err := db.db.ExecContext(ctx, `INSERT INTO lists (list_key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	return nil
}

func (db *DB) RPop(ctx context.Context, key string) (string, bool, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("rpop %s: %w", key, err)
	}
	defer tx.Rollback()

	var (
		id    int64
		value string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, value FROM lists WHERE list_key = ? ORDER BY id ASC LIMIT 1`, key,
	).Scan(&id, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("rpop %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE id = ?`, id); err != nil {
		return "", false, fmt.Errorf("rpop %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("rpop %s: %w", key, err)
	}
	return value, true, nil
}

func (db *DB) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	if err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE list_key = ?`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

// PurgeExpired removes expired rows and returns how many were deleted.
func (db *DB) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := db.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`, db.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}
