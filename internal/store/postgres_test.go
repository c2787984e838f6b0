package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newPostgresStoreFromDB(db), mock
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar(`SELECT a FROM t WHERE x = ? AND y IN (?, ?)`)
	want := `SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)`
	if got != want {
		t.Errorf("rebindDollar = %q, want %q", got, want)
	}
}

func TestPostgresStore_SaveSessionStale(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	sess := &models.Session{ID: "ses_1", Stage: models.StageLookup, Revision: 3}

	mock.ExpectExec(`UPDATE sessions SET .* WHERE id = \$6 AND revision = \$7`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM sessions WHERE id = \$1`).
		WithArgs("ses_1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	err := s.SaveSession(context.Background(), sess)
	if !errors.Is(err, models.ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession, got %v", err)
	}
	if sess.Revision != 3 {
		t.Errorf("revision must be restored, got %d", sess.Revision)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_ReserveConflictRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	keys := []models.SlotKey{
		{Provider: "Dr. Smith", Date: "2025-03-03", StartTime: "09:00"},
		{Provider: "Dr. Smith", Date: "2025-03-03", StartTime: "09:30"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE slots SET status = \$1`).
		WithArgs("booked", sqlmock.AnyArg(), "Dr. Smith", "2025-03-03", "09:00", "available").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE slots SET status = \$1`).
		WithArgs("booked", sqlmock.AnyArg(), "Dr. Smith", "2025-03-03", "09:30", "available").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM slots`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("booked"))
	mock.ExpectRollback()

	err := s.Reserve(context.Background(), keys, newConfirmation("cnf_1", "ses_1", keys))
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_AppendReminderRecordDuplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`INSERT INTO reminder_records .* ON CONFLICT \(session_id, stage\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.AppendReminderRecord(context.Background(), models.ReminderRecord{
		SessionID: "ses_1", Stage: 1, Outcome: models.OutcomeSent, Timestamp: time.Now(),
	})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	s, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	id := "ses_it_" + time.Now().Format("150405.000000")
	now := time.Now()
	sess := &models.Session{ID: id, Stage: models.StageGreeting, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	sess.Stage = models.StageLookup
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	got, err := s.GetSession(ctx, id)
	if err != nil || got.Stage != models.StageLookup {
		t.Fatalf("GetSession = %+v, %v", got, err)
	}
}
