package db

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ttc-alerts/incidents/internal/model"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return New(conn, DialectPostgres, nil), mock
}

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{DialectPostgres, "SELECT * FROM t WHERE a = ? AND b IN (?, ?)", "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"},
		{DialectSQLite, "SELECT * FROM t WHERE a = ?", "SELECT * FROM t WHERE a = ?"},
		{DialectPostgres, "SELECT 1", "SELECT 1"},
	}
	for _, tc := range tests {
		if got := rebind(tc.dialect, tc.in); got != tc.want {
			t.Errorf("rebind(%s, %q) = %q, want %q", tc.dialect, tc.in, got, tc.want)
		}
	}
}

func TestPostgresHideThreads(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE incident_threads SET is_hidden = 1, updated_at = $1, is_resolved = 1, resolved_at = COALESCE(resolved_at, $2) WHERE is_hidden = 0 AND thread_id IN ($3, $4)`)).
		WithArgs(formatTime(t0), formatTime(t0), "rsz:1:a-b", "rsz:1:c-d").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := db.HideThreads(context.Background(), []string{"rsz:1:a-b", "rsz:1:c-d"}, true, t0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("affected = %d, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresGetThreadNotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT .* FROM incident_threads WHERE thread_id = \$1`).
		WithArgs("live:504").
		WillReturnRows(sqlmock.NewRows([]string{"thread_id"}))

	if _, err := db.GetThread(context.Background(), "live:504"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresRecordObservationOrder(t *testing.T) {
	db, mock := newMockDB(t)
	th := testThread("live:504", t0)
	a := testAlert("live-A1", t0)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO incident_threads .* ON CONFLICT \(thread_id\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO incident_alerts .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, 0, \$9, \$10\)\s+ON CONFLICT \(alert_id\) DO NOTHING`).
		WithArgs("live-A1", "live:504", "live", a.HeaderText, "", "NO_SERVICE",
			`["SERVICE_DISRUPTION","MAJOR"]`, `["504"]`, formatTime(t0), formatTime(t0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE incident_alerts SET is_latest = CASE WHEN alert_id = \$1`).
		WithArgs("live-A1", "live:504", "live-A1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inserted, err := db.RecordObservation(context.Background(), th, a)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Error("expected inserted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresApplyMissesQueriesBySource(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT thread_id, missed_polls FROM incident_threads WHERE source = \$1 AND is_hidden = 0`).
		WithArgs("rsz").
		WillReturnRows(sqlmock.NewRows([]string{"thread_id", "missed_polls"}).
			AddRow("rsz:1:a-b", 0).
			AddRow("rsz:1:c-d", 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE incident_threads SET missed_polls = $1, is_hidden = 1, updated_at = $2 WHERE thread_id = $3`)).
		WithArgs(2, formatTime(t0), "rsz:1:c-d").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := db.ApplyMisses(context.Background(), model.SourceRSZ, []string{"rsz:1:a-b"}, 2, t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hidden) != 1 || res.Hidden[0] != "rsz:1:c-d" {
		t.Errorf("hidden = %v", res.Hidden)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
