package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

func seededStore(t *testing.T) *store.InMemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewInMemoryStore()
	p := &models.Patient{
		ID: "pat_1", Name: "John Doe", DOB: "1985-02-14", Email: "john@example.com", Phone: "+15551234567",
		Insurance:      models.Insurance{Carrier: "Acme", MemberID: "AC123", GroupNumber: "G-42"},
		Classification: models.ClassificationReturning,
	}
	if err := s.UpsertPatient(ctx, p); err != nil {
		t.Fatalf("UpsertPatient failed: %v", err)
	}
	slot := models.Slot{Provider: "Dr. Smith", Location: "Downtown", Date: "2025-03-03", StartTime: "09:00", Granularity: 30, Duration: 30, Status: models.SlotAvailable}
	if err := s.PutSlot(ctx, slot); err != nil {
		t.Fatalf("PutSlot failed: %v", err)
	}
	c := &models.Confirmation{ID: "conf_1", SessionID: "ses_1", PatientID: "pat_1", Slot: slot, CreatedAt: time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)}
	if err := s.Reserve(ctx, []models.SlotKey{slot.Key()}, c); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	return s
}

func TestWriteCSV(t *testing.T) {
	s := seededStore(t)
	var buf bytes.Buffer
	n, err := NewExporter(s).WriteCSV(context.Background(), &buf)
	if err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	if len(rows) != 2 || len(rows[1]) != len(Header) {
		t.Fatalf("unexpected rows %v", rows)
	}
	got := map[string]string{}
	for i, h := range Header {
		got[h] = rows[1][i]
	}
	want := map[string]string{
		"confirmation_id":  "conf_1",
		"name":             "John Doe",
		"classification":   "returning",
		"member_id":        "AC123",
		"provider":         "Dr. Smith",
		"start_time":       "09:00",
		"duration_minutes": "30",
		"booked_at":        "2025-02-01T10:00:00Z",
		"cancelled":        "false",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestWriteCSV_MissingPatientStillExported(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	slot := models.Slot{Provider: "Dr. Lee", Date: "2025-03-04", StartTime: "10:00", Granularity: 60, Status: models.SlotAvailable}
	if err := s.PutSlot(ctx, slot); err != nil {
		t.Fatalf("PutSlot failed: %v", err)
	}
	if err := s.Reserve(ctx, []models.SlotKey{slot.Key()}, &models.Confirmation{ID: "conf_x", SessionID: "ses_x", PatientID: "pat_gone", Slot: slot}); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	var buf bytes.Buffer
	if n, err := NewExporter(s).WriteCSV(ctx, &buf); err != nil || n != 1 {
		t.Fatalf("WriteCSV = %d, %v", n, err)
	}
}

func TestWriteFile(t *testing.T) {
	s := seededStore(t)
	path := filepath.Join(t.TempDir(), "exports", "appointments.csv")
	if _, err := NewExporter(s).WriteFile(context.Background(), path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("export file missing: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("confirmation_id,")) {
		t.Errorf("unexpected file contents %q", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}
