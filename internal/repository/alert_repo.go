package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"lifeboat/internal/models"

	"github.com/google/uuid"
)

type AlertSQLite struct {
	db *sql.DB
}

func NewAlertSQLite(db *sql.DB) *AlertSQLite { return &AlertSQLite{db: db} }

var _ AlertRepo = (*AlertSQLite)(nil)

const insertAlertSQL = `
		INSERT INTO alerts (id, seq, code, detail, raised_at)
		VALUES (?, ?, ?, ?, ?)
	`

// Append inserts a record. Missing ID or RaisedAt are filled in.
func (r *AlertSQLite) Append(ctx context.Context, rec models.AlertRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RaisedAt.IsZero() {
		rec.RaisedAt = time.Now().UTC()
	} else {
		rec.RaisedAt = rec.RaisedAt.UTC()
	}

	_, err := r.db.ExecContext(ctx, insertAlertSQL,
		rec.ID,
		rec.Seq,
		rec.Code.String(),
		rec.Detail,
		rec.RaisedAt.Format("2006-01-02 15:04:05"),
	)
	return err
}

// List returns alerts within [from, to] (inclusive, zero = unbounded), optionally
// filtered by code name, oldest first.
func (r *AlertSQLite) List(ctx context.Context, from, to time.Time, code string) ([]models.AlertRecord, error) {
	var (
		conds []string
		args  []any
	)

	if !from.IsZero() {
		conds = append(conds, "raised_at >= ?")
		args = append(args, from.UTC().Format("2006-01-02 15:04:05"))
	}
	if !to.IsZero() {
		conds = append(conds, "raised_at <= ?")
		args = append(args, to.UTC().Format("2006-01-02 15:04:05"))
	}
	if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
		conds = append(conds, "code = ?")
		args = append(args, code)
	}

	q := `SELECT id, seq, code, detail, raised_at FROM alerts`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY raised_at ASC, seq ASC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.AlertRecord, 0, 16)
	for rows.Next() {
		var (
			rec      models.AlertRecord
			codeName string
			raised   string
		)
		if err := rows.Scan(&rec.ID, &rec.Seq, &codeName, &rec.Detail, &raised); err != nil {
			return nil, err
		}
		rec.Code = models.ParseAlertCode(codeName)
		if ts, err := time.Parse("2006-01-02 15:04:05", raised); err == nil {
			rec.RaisedAt = ts.UTC()
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
