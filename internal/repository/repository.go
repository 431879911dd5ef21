package repository

import (
	"context"
	"database/sql"
	"time"

	"lifeboat/internal/models"
)

// KVStore is the non-volatile key-value primitive. Every call is one
// open/read-or-write/close cycle; the single SQLite connection serializes them.
type KVStore interface {
	GetBool(ctx context.Context, namespace, key string) (value bool, ok bool, err error)
	SetBool(ctx context.Context, namespace, key string, value bool) error
	GetString(ctx context.Context, namespace, key string) (value string, ok bool, err error)
	SetString(ctx context.Context, namespace, key, value string) error
}

// AlertRepo stores the alert history.
type AlertRepo interface {
	Append(ctx context.Context, rec models.AlertRecord) error
	List(ctx context.Context, from, to time.Time, code string) ([]models.AlertRecord, error)
}

type Repository struct {
	KV     KVStore
	Alerts AlertRepo
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		KV:     NewKVSQLite(db),
		Alerts: NewAlertSQLite(db),
	}
}
