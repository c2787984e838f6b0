package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

const testSeed = `
patients:
  - id: pat_001
    name: Jane Roe
    dob: 1980-04-12
    email: jane@example.com
    insurance:
      carrier: Acme Health
      member_id: AC123
schedule:
  - provider: Dr. Smith
    location: Downtown
    date: 2025-03-03
    start: "09:00"
    end: "10:45"
    granularity: 30
slots:
  - provider: Dr. Lee
    location: Uptown
    date: 2025-03-04
    start: "14:00"
    granularity: 60
`

func TestLoadSeedAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(testSeed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed failed: %v", err)
	}

	s := NewInMemoryStore()
	ctx := context.Background()
	if err := seed.Apply(ctx, s); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	p, _ := s.FindByIdentity(ctx, "janeroe", "1980-04-12")
	if p == nil || p.Insurance.MemberID != "AC123" {
		t.Fatalf("seed patient not loaded: %+v", p)
	}

	smith, _ := s.ListAvailable(ctx, models.SlotFilter{Provider: "Dr. Smith"})
	// 09:00 through 10:00; 10:30 would end after 10:45.
	if len(smith) != 3 {
		t.Fatalf("expected 3 expanded slots, got %d: %+v", len(smith), smith)
	}
	if smith[2].StartTime != "10:00" {
		t.Errorf("unexpected last slot %s", smith[2].StartTime)
	}

	lee, _ := s.ListAvailable(ctx, models.SlotFilter{Location: "uptown"})
	if len(lee) != 1 || lee[0].Granularity != 60 {
		t.Errorf("explicit slot missing: %+v", lee)
	}
}

func TestScheduleBlockExpandRejectsBadInput(t *testing.T) {
	if _, err := (ScheduleBlock{Start: "09:00", End: "10:00"}).Expand(); err == nil {
		t.Error("expected error for zero granularity")
	}
	if _, err := (ScheduleBlock{Start: "9am", End: "10:00", Granularity: 30}).Expand(); err == nil {
		t.Error("expected error for bad start")
	}
}

func TestParseSeedRejectsBadDOB(t *testing.T) {
	seed, err := ParseSeed([]byte("patients:\n  - id: p1\n    name: X\n    dob: 04/12/1980\n"))
	if err != nil {
		t.Fatalf("ParseSeed failed: %v", err)
	}
	if err := seed.Apply(context.Background(), NewInMemoryStore()); err == nil {
		t.Error("expected invalid dob to be rejected")
	}
}
