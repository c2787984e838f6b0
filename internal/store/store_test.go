package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every Store implementation that runs without external services.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
	}
}

func putSlots(t *testing.T, s Store, provider, date string, starts ...string) []models.SlotKey {
	t.Helper()
	keys := make([]models.SlotKey, 0, len(starts))
	for _, st := range starts {
		sl := models.Slot{Provider: provider, Location: "Downtown", Date: date, StartTime: st, Granularity: 30, Status: models.SlotAvailable}
		if err := s.PutSlot(context.Background(), sl); err != nil {
			t.Fatalf("PutSlot %s failed: %v", st, err)
		}
		keys = append(keys, sl.Key())
	}
	return keys
}

func newConfirmation(id, sessionID string, keys []models.SlotKey) *models.Confirmation {
	first := keys[0]
	return &models.Confirmation{
		ID:        id,
		SessionID: sessionID,
		PatientID: "pat_1",
		Slot: models.Slot{
			Provider: first.Provider, Location: "Downtown", Date: first.Date, StartTime: first.StartTime,
			Granularity: 30, Duration: 30 * len(keys),
		},
		CreatedAt: time.Now(),
	}
}

func TestStore_SessionRevisionCAS(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now()
			sess := &models.Session{ID: "ses_1", Stage: models.StageGreeting, CreatedAt: now, UpdatedAt: now}
			if err := s.CreateSession(ctx, sess); err != nil {
				t.Fatalf("CreateSession failed: %v", err)
			}

			a, err := s.GetSession(ctx, "ses_1")
			if err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			b, _ := s.GetSession(ctx, "ses_1")

			a.Stage = models.StageLookup
			if err := s.SaveSession(ctx, a); err != nil {
				t.Fatalf("first SaveSession failed: %v", err)
			}
			if a.Revision != 1 {
				t.Errorf("expected revision 1, got %d", a.Revision)
			}

			b.Stage = models.StageError
			if err := s.SaveSession(ctx, b); !errors.Is(err, models.ErrStaleSession) {
				t.Fatalf("expected ErrStaleSession, got %v", err)
			}
			if b.Revision != 0 {
				t.Errorf("stale save must not bump revision, got %d", b.Revision)
			}

			got, _ := s.GetSession(ctx, "ses_1")
			if got.Stage != models.StageLookup || got.Revision != 1 {
				t.Errorf("unexpected stored session stage=%s revision=%d", got.Stage, got.Revision)
			}

			if _, err := s.GetSession(ctx, "ses_missing"); !errors.Is(err, models.ErrSessionNotFound) {
				t.Errorf("expected ErrSessionNotFound, got %v", err)
			}
			missing := &models.Session{ID: "ses_missing"}
			if err := s.SaveSession(ctx, missing); !errors.Is(err, models.ErrSessionNotFound) {
				t.Errorf("expected ErrSessionNotFound on save, got %v", err)
			}

			listed, err := s.ListSessionsByStage(ctx, models.StageLookup, models.StageScheduling)
			if err != nil {
				t.Fatalf("ListSessionsByStage failed: %v", err)
			}
			if len(listed) != 1 || listed[0].ID != "ses_1" {
				t.Errorf("expected ses_1 listed, got %+v", listed)
			}
		})
	}
}

func TestStore_PatientLookup(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			p := &models.Patient{ID: "pat_1", Name: "Jane Roe", DOB: "1980-04-12", Email: "jane@example.com",
				Insurance: models.Insurance{Carrier: "Acme", MemberID: "M1"}}
			if err := s.UpsertPatient(ctx, p); err != nil {
				t.Fatalf("UpsertPatient failed: %v", err)
			}

			found, err := s.FindByIdentity(ctx, models.NormalizeName("JANE  roe"), "1980-04-12")
			if err != nil {
				t.Fatalf("FindByIdentity failed: %v", err)
			}
			if found == nil || found.ID != "pat_1" {
				t.Fatalf("expected pat_1, got %+v", found)
			}
			if found.Classification != models.ClassificationReturning {
				t.Errorf("expected returning classification, got %q", found.Classification)
			}
			if found.Insurance.MemberID != "M1" {
				t.Errorf("insurance not persisted: %+v", found.Insurance)
			}

			none, err := s.FindByIdentity(ctx, "janeroe", "1980-04-13")
			if err != nil || none != nil {
				t.Errorf("expected (nil, nil) for wrong DOB, got %+v, %v", none, err)
			}
			byID, err := s.FindByID(ctx, "pat_1")
			if err != nil || byID == nil {
				t.Errorf("FindByID failed: %+v, %v", byID, err)
			}
			if p, _ := s.FindByID(ctx, "pat_404"); p != nil {
				t.Errorf("expected nil for unknown id, got %+v", p)
			}
		})
	}
}

func TestStore_ListAvailableFilters(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			putSlots(t, s, "Dr. Smith", "2025-03-04", "10:00", "09:00")
			putSlots(t, s, "Dr. Lee", "2025-03-03", "15:00")

			all, err := s.ListAvailable(ctx, models.SlotFilter{})
			if err != nil {
				t.Fatalf("ListAvailable failed: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("expected 3 slots, got %d", len(all))
			}
			if all[0].Provider != "Dr. Lee" || all[1].StartTime != "09:00" {
				t.Errorf("unexpected order: %+v", all)
			}

			smith, _ := s.ListAvailable(ctx, models.SlotFilter{Provider: "dr. smith"})
			if len(smith) != 2 {
				t.Errorf("expected case-insensitive provider match, got %d", len(smith))
			}
			uptown, _ := s.ListAvailable(ctx, models.SlotFilter{Location: "Uptown"})
			if len(uptown) != 0 {
				t.Errorf("expected no uptown slots, got %d", len(uptown))
			}
		})
	}
}

func TestStore_SetSlotStatusExpectsCurrent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			keys := putSlots(t, s, "Dr. Smith", "2025-03-03", "09:00")

			if err := s.SetSlotStatus(ctx, keys[0], models.SlotAvailable, models.SlotBooked); err != nil {
				t.Fatalf("SetSlotStatus failed: %v", err)
			}
			err := s.SetSlotStatus(ctx, keys[0], models.SlotAvailable, models.SlotBooked)
			if !errors.Is(err, models.ErrConflict) {
				t.Errorf("expected ErrConflict, got %v", err)
			}
			missing := models.SlotKey{Provider: "Dr. Nobody", Date: "2025-03-03", StartTime: "09:00"}
			if err := s.SetSlotStatus(ctx, missing, models.SlotAvailable, models.SlotBooked); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ReserveIsAllOrNothing(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			keys := putSlots(t, s, "Dr. Smith", "2025-03-03", "09:00", "09:30")

			// Book the second half first so a 60-minute span over both must fail.
			if err := s.Reserve(ctx, keys[1:], newConfirmation("cnf_a", "ses_a", keys[1:])); err != nil {
				t.Fatalf("Reserve single failed: %v", err)
			}
			err := s.Reserve(ctx, keys, newConfirmation("cnf_b", "ses_b", keys))
			if !errors.Is(err, models.ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}

			first, _ := s.GetSlot(ctx, keys[0])
			if first.Status != models.SlotAvailable {
				t.Errorf("failed reserve must roll back, first slot is %s", first.Status)
			}
			if c, _ := s.GetConfirmation(ctx, "cnf_b"); c != nil {
				t.Errorf("no confirmation expected after failed reserve, got %+v", c)
			}
		})
	}
}

func TestStore_ReserveAndCancel(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			keys := putSlots(t, s, "Dr. Smith", "2025-03-03", "09:00", "09:30")

			c := newConfirmation("cnf_1", "ses_1", keys)
			if err := s.Reserve(ctx, keys, c); err != nil {
				t.Fatalf("Reserve failed: %v", err)
			}
			for _, k := range keys {
				n, err := s.CountActiveForSlot(ctx, k)
				if err != nil || n != 1 {
					t.Errorf("expected one active confirmation for %s, got %d (%v)", k, n, err)
				}
			}

			active, err := s.ActiveConfirmationFor(ctx, "ses_1")
			if err != nil || active == nil {
				t.Fatalf("ActiveConfirmationFor failed: %+v, %v", active, err)
			}
			if len(active.Slot.Span) != 2 || active.Slot.Duration != 60 {
				t.Errorf("unexpected span/duration: %+v", active.Slot)
			}

			again := newConfirmation("cnf_2", "ses_1", keys[:1])
			if err := s.Reserve(ctx, keys[:1], again); err == nil {
				t.Error("second reserve over booked slot must fail")
			}

			cancelled, err := s.CancelConfirmation(ctx, "cnf_1", "patient declined", time.Now())
			if err != nil {
				t.Fatalf("CancelConfirmation failed: %v", err)
			}
			if !cancelled.Cancelled || cancelled.CancelReason != "patient declined" {
				t.Errorf("unexpected cancelled confirmation %+v", cancelled)
			}
			for _, k := range keys {
				sl, _ := s.GetSlot(ctx, k)
				if sl.Status != models.SlotAvailable {
					t.Errorf("slot %s not released", k)
				}
			}
			if a, _ := s.ActiveConfirmationFor(ctx, "ses_1"); a != nil {
				t.Errorf("expected no active confirmation after cancel, got %+v", a)
			}
			if _, err := s.CancelConfirmation(ctx, "cnf_1", "again", time.Now()); err != nil {
				t.Errorf("cancel must be idempotent, got %v", err)
			}
			if _, err := s.CancelConfirmation(ctx, "cnf_404", "", time.Now()); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}

			all, _ := s.ListConfirmations(ctx)
			if len(all) != 1 {
				t.Errorf("expected 1 confirmation listed, got %d", len(all))
			}
		})
	}
}

func TestStore_ConcurrentReserveSingleWinner(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			keys := putSlots(t, s, "Dr. Smith", "2025-03-03", "09:00")

			const racers = 8
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := string(rune('a' + i))
					err := s.Reserve(ctx, keys, newConfirmation("cnf_"+id, "ses_"+id, keys))
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one winner, got %d", wins)
			}
			n, _ := s.CountActiveForSlot(ctx, keys[0])
			if n != 1 {
				t.Errorf("expected one active confirmation, got %d", n)
			}
		})
	}
}

func TestStore_ReminderRecordsAppendOnce(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now()
			r2 := models.ReminderRecord{SessionID: "ses_1", Stage: 2, Outcome: models.OutcomeActionConfirmed, Timestamp: now}
			r1 := models.ReminderRecord{SessionID: "ses_1", Stage: 1, Outcome: models.OutcomeSent, Timestamp: now}
			if err := s.AppendReminderRecord(ctx, r2); err != nil {
				t.Fatalf("append stage 2: %v", err)
			}
			if err := s.AppendReminderRecord(ctx, r1); err != nil {
				t.Fatalf("append stage 1: %v", err)
			}
			if err := s.AppendReminderRecord(ctx, r1); !errors.Is(err, models.ErrConflict) {
				t.Errorf("expected ErrConflict on duplicate stage, got %v", err)
			}

			recs, err := s.ListReminderRecords(ctx, "ses_1")
			if err != nil {
				t.Fatalf("ListReminderRecords failed: %v", err)
			}
			if len(recs) != 2 || recs[0].Stage != 1 || recs[1].Stage != 2 {
				t.Errorf("expected records ordered by stage, got %+v", recs)
			}
		})
	}
}

func TestStore_CommunicationLog(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			entries := []models.CommunicationLogEntry{
				{ID: "com_1", SessionID: "ses_1", Channel: models.ChannelEmail, Recipient: "a@example.com", Template: "intake_form", Success: true, Timestamp: time.Now()},
				{ID: "com_2", SessionID: "ses_1", Channel: models.ChannelSMS, Recipient: "+15550001", Template: "appointment_confirmation", Error: "carrier rejected", Timestamp: time.Now().Add(time.Second)},
				{ID: "com_3", SessionID: "ses_2", Channel: models.ChannelSMS, Recipient: "+15550002", Template: "reminder_1", Success: true, Timestamp: time.Now().Add(2 * time.Second)},
			}
			for _, e := range entries {
				if err := s.AppendCommunicationLog(ctx, e); err != nil {
					t.Fatalf("AppendCommunicationLog failed: %v", err)
				}
			}

			got, err := s.ListCommunicationLog(ctx, "ses_1")
			if err != nil {
				t.Fatalf("ListCommunicationLog failed: %v", err)
			}
			if len(got) != 2 || got[1].Error != "carrier rejected" || got[1].Success {
				t.Errorf("unexpected entries: %+v", got)
			}
			all, _ := s.ListCommunicationLog(ctx, "")
			if len(all) != 3 {
				t.Errorf("expected 3 entries overall, got %d", len(all))
			}
		})
	}
}

func TestStore_InboundDedup(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			isNew, err := s.RecordInbound(ctx, "SM1", "ses_1")
			if err != nil || !isNew {
				t.Fatalf("expected first record to be new, got %v, %v", isNew, err)
			}
			isNew, err = s.RecordInbound(ctx, "SM1", "ses_1")
			if err != nil || isNew {
				t.Errorf("expected duplicate, got %v, %v", isNew, err)
			}
			if err := s.MarkProcessed(ctx, "SM1"); err != nil {
				t.Errorf("MarkProcessed failed: %v", err)
			}

			// A processed message stays recorded; an unprocessed one can be released.
			if err := s.ReleaseInbound(ctx, "SM1"); err != nil {
				t.Fatalf("ReleaseInbound failed: %v", err)
			}
			if isNew, _ := s.RecordInbound(ctx, "SM1", "ses_1"); isNew {
				t.Error("processed message must not be released")
			}
			if _, err := s.RecordInbound(ctx, "SM2", "ses_1"); err != nil {
				t.Fatalf("RecordInbound failed: %v", err)
			}
			if err := s.ReleaseInbound(ctx, "SM2"); err != nil {
				t.Fatalf("ReleaseInbound failed: %v", err)
			}
			isNew, err = s.RecordInbound(ctx, "SM2", "ses_1")
			if err != nil || !isNew {
				t.Errorf("expected released message to be recorded again, got %v, %v", isNew, err)
			}
		})
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":   "postgres",
		"postgresql://localhost/db":     "postgres",
		"host=localhost dbname=booking": "postgres",
		"/var/lib/booking/booking.db":   "sqlite3",
		"booking.db":                    "sqlite3",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestOpenWithoutDSNUsesMemory(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected *InMemoryStore, got %T", s)
	}
}
