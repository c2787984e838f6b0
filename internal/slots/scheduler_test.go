package slots

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

func seedSlots(t *testing.T) *store.InMemoryStore {
	t.Helper()
	s := store.NewInMemoryStore()
	slots := []models.Slot{
		{Provider: "Dr. Smith", Location: "Downtown Clinic", Date: "2025-03-03", StartTime: "09:00", Granularity: 30, Status: models.SlotAvailable},
		{Provider: "Dr. Smith", Location: "Downtown Clinic", Date: "2025-03-03", StartTime: "09:30", Granularity: 30, Status: models.SlotAvailable},
		{Provider: "Dr. Smith", Location: "Downtown Clinic", Date: "2025-03-03", StartTime: "10:00", Granularity: 30, Status: models.SlotAvailable},
		{Provider: "Dr. Smith", Location: "Downtown Clinic", Date: "2025-03-03", StartTime: "10:30", Granularity: 30, Status: models.SlotBooked},
		{Provider: "Dr. Lee", Location: "Uptown", Date: "2025-03-03", StartTime: "09:00", Granularity: 60, Status: models.SlotAvailable},
		{Provider: "Dr. Adams", Location: "Uptown", Date: "2025-03-02", StartTime: "23:30", Granularity: 30, Status: models.SlotAvailable},
	}
	for _, sl := range slots {
		if err := s.PutSlot(context.Background(), sl); err != nil {
			t.Fatalf("PutSlot: %v", err)
		}
	}
	return s
}

func starts(slots []models.Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Provider + "@" + s.Date + " " + s.StartTime
	}
	return out
}

func TestFindSlots_NewPatientNeedsSixtyMinutes(t *testing.T) {
	sched := NewScheduler(seedSlots(t))
	got, err := sched.FindSlots(context.Background(), "any", "any", models.ClassificationNew)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{
		"Dr. Lee@2025-03-03 09:00",
		"Dr. Smith@2025-03-03 09:00",
		"Dr. Smith@2025-03-03 09:30",
	}
	if !reflect.DeepEqual(starts(got), want) {
		t.Fatalf("expected %v, got %v", want, starts(got))
	}
	for _, sl := range got {
		if sl.Duration != 60 {
			t.Errorf("%s: expected duration 60, got %d", sl.Key(), sl.Duration)
		}
		if len(sl.Span)*sl.Granularity != 60 {
			t.Errorf("%s: span %v does not cover 60 minutes", sl.Key(), sl.Span)
		}
	}
	if got[1].Span[1].StartTime != "09:30" {
		t.Errorf("expected span to continue at 09:30, got %+v", got[1].Span)
	}
}

func TestFindSlots_ReturningPatientThirtyMinutes(t *testing.T) {
	sched := NewScheduler(seedSlots(t))
	got, err := sched.FindSlots(context.Background(), "", "", models.ClassificationReturning)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The 60-minute Lee slot cannot hold a 30-minute visit.
	want := []string{
		"Dr. Adams@2025-03-02 23:30",
		"Dr. Smith@2025-03-03 09:00",
		"Dr. Smith@2025-03-03 09:30",
		"Dr. Smith@2025-03-03 10:00",
	}
	if !reflect.DeepEqual(starts(got), want) {
		t.Fatalf("expected %v, got %v", want, starts(got))
	}
	for _, sl := range got {
		if sl.Duration != 30 || len(sl.Span) != 1 {
			t.Errorf("%s: unexpected duration/span %d %v", sl.Key(), sl.Duration, sl.Span)
		}
	}
}

func TestFindSlots_PreferencesAreCaseInsensitive(t *testing.T) {
	sched := NewScheduler(seedSlots(t))
	got, err := sched.FindSlots(context.Background(), "  dr. smith ", "DOWNTOWN CLINIC", models.ClassificationReturning)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 slots, got %v", starts(got))
	}
}

func TestFindSlots_NoMatchIsNotFound(t *testing.T) {
	sched := NewScheduler(seedSlots(t))
	_, err := sched.FindSlots(context.Background(), "Dr. Smith", "Uptown", models.ClassificationNew)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// A 60-minute visit starting 23:30 would cross midnight.
	_, err = sched.FindSlots(context.Background(), "Dr. Adams", "any", models.ClassificationNew)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across midnight, got %v", err)
	}
}

func TestFindSlots_Idempotent(t *testing.T) {
	sched := NewScheduler(seedSlots(t))
	a, err := sched.FindSlots(context.Background(), "any", "any", models.ClassificationNew)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 5; i++ {
		b, _ := sched.FindSlots(context.Background(), "any", "any", models.ClassificationNew)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("run %d differs: %v vs %v", i, starts(a), starts(b))
		}
	}
}

func TestFindSlots_LimitAndUnknownClassification(t *testing.T) {
	sched := NewScheduler(seedSlots(t), WithLimit(2))
	got, err := sched.FindSlots(context.Background(), "any", "any", models.ClassificationReturning)
	if err != nil || len(got) != 2 {
		t.Fatalf("expected 2 slots, got %v, %v", starts(got), err)
	}
	if _, err := sched.FindSlots(context.Background(), "any", "any", models.Classification("")); err == nil {
		t.Error("expected error for unknown classification")
	}
}
