package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"lifeboat/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
)

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return c
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestAlertAppend_FillsDefaults(t *testing.T) {
	t.Parallel()
	db, mock := newMock(t)
	repo := NewAlertSQLite(db)

	mock.ExpectExec(regexp.QuoteMeta(insertAlertSQL)).
		WithArgs(sqlmock.AnyArg(), int64(3), "ROLLBACK_EXECUTED", "no control path; rolling back", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Append(ctx(t), models.AlertRecord{
		Seq:    3,
		Code:   models.AlertRollbackExecuted,
		Detail: "no control path; rolling back",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestAlertAppend_KeepsGivenIDAndFormatsTime(t *testing.T) {
	t.Parallel()
	db, mock := newMock(t)
	repo := NewAlertSQLite(db)

	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 2*3600))
	mock.ExpectExec("INSERT INTO alerts").
		WithArgs("fixed-id", int64(1), "BLE_FATAL", "d", "2025-03-04 03:06:07").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Append(ctx(t), models.AlertRecord{ID: "fixed-id", Seq: 1, Code: models.AlertBLEFatal, Detail: "d", RaisedAt: at})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestAlertAppend_DBError(t *testing.T) {
	t.Parallel()
	db, mock := newMock(t)
	repo := NewAlertSQLite(db)

	mock.ExpectExec("INSERT INTO alerts").WillReturnError(errors.New("down"))

	err := repo.Append(ctx(t), models.AlertRecord{Code: models.AlertTCPFatal})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected error, got %v", err)
	}
}

func TestAlertList_NoFilters(t *testing.T) {
	t.Parallel()
	db, mock := newMock(t)
	repo := NewAlertSQLite(db)

	rows := sqlmock.NewRows([]string{"id", "seq", "code", "detail", "raised_at"}).
		AddRow("a", 1, "ROLLBACK_EXECUTED", "first", "2025-01-01 10:00:00").
		AddRow("b", 2, "BLE_FATAL", "second", "2025-01-01 10:00:05")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, seq, code, detail, raised_at FROM alerts ORDER BY raised_at ASC, seq ASC`)).
		WillReturnRows(rows)

	got, err := repo.List(ctx(t), time.Time{}, time.Time{}, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2, got %d", len(got))
	}
	if got[0].Code != models.AlertRollbackExecuted || got[1].Code != models.AlertBLEFatal {
		t.Fatalf("codes not decoded: %+v", got)
	}
	want := time.Date(2025, 1, 1, 10, 0, 5, 0, time.UTC)
	if !got[1].RaisedAt.Equal(want) {
		t.Fatalf("raised_at: want %v, got %v", want, got[1].RaisedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestAlertList_WithFilters(t *testing.T) {
	t.Parallel()
	db, mock := newMock(t)
	repo := NewAlertSQLite(db)

	from := time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	query := `SELECT id, seq, code, detail, raised_at FROM alerts WHERE raised_at >= ? AND raised_at <= ? AND code = ? ORDER BY raised_at ASC, seq ASC`
	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs("2025-01-01 11:00:00", "2025-01-01 12:00:00", "BLE_FATAL").
		WillReturnRows(sqlmock.NewRows([]string{"id", "seq", "code", "detail", "raised_at"}).
			AddRow("c", 7, "BLE_FATAL", "x", "2025-01-01 11:30:00"))

	got, err := repo.List(ctx(t), from, to, " ble_fatal ")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Seq != 7 {
		t.Fatalf("unexpected results: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestAlertList_ScanError(t *testing.T) {
	t.Parallel()
	db, mock := newMock(t)
	repo := NewAlertSQLite(db)

	mock.ExpectQuery("SELECT id, seq, code, detail, raised_at FROM alerts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "seq", "code", "detail", "raised_at"}).
			AddRow("x", "not-a-number", "NONE", "", "2025-01-01 00:00:00"))

	if _, err := repo.List(ctx(t), time.Time{}, time.Time{}, ""); err == nil {
		t.Fatal("expected scan error")
	}
}
