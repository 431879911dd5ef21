package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type KVSQLite struct {
	db *sql.DB
}

func NewKVSQLite(db *sql.DB) *KVSQLite {
	return &KVSQLite{db: db}
}

var _ KVStore = (*KVSQLite)(nil)

const (
	upsertKVSQL = `
		INSERT INTO nvs_kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value=excluded.value,
			updated_at=excluded.updated_at
	`
	selectKVSQL = `SELECT value FROM nvs_kv WHERE namespace = ? AND key = ?`
)

// GetString returns ok=false when the key was never written.
func (r *KVSQLite) GetString(ctx context.Context, namespace, key string) (string, bool, error) {
	var v string
	err := r.db.QueryRowContext(ctx, selectKVSQL, namespace, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return v, true, nil
}

func (r *KVSQLite) SetString(ctx context.Context, namespace, key, value string) error {
	if _, err := r.db.ExecContext(ctx, upsertKVSQL, namespace, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Booleans are stored as "0"/"1", the u8 the firmware keeps in NVS.
func (r *KVSQLite) GetBool(ctx context.Context, namespace, key string) (bool, bool, error) {
	s, ok, err := r.GetString(ctx, namespace, key)
	if err != nil || !ok {
		return false, ok, err
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return false, false, fmt.Errorf("decode %s/%s=%q: %w", namespace, key, s, err)
	}
	return n != 0, true, nil
}

func (r *KVSQLite) SetBool(ctx context.Context, namespace, key string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	return r.SetString(ctx, namespace, key, v)
}
