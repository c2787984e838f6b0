package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Seed is the YAML document that preloads patients and schedule slots.
//
//	patients:
//	  - id: pat_001
//	    name: Jane Roe
//	    dob: 1980-04-12
//	schedule:
//	  - provider: Dr. Smith
//	    location: Downtown
//	    date: 2025-03-03
//	    start: "09:00"
//	    end: "12:00"
//	    granularity: 30
//	slots:
//	  - provider: Dr. Lee
//	    location: Uptown
//	    date: 2025-03-04
//	    start: "14:00"
//	    granularity: 60
type Seed struct {
	Patients []SeedPatient   `yaml:"patients"`
	Schedule []ScheduleBlock `yaml:"schedule"`
	Slots    []models.Slot   `yaml:"slots"`
}

// SeedPatient is a patient record in a seed file.
type SeedPatient struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name"`
	DOB       string           `yaml:"dob"`
	Email     string           `yaml:"email"`
	Phone     string           `yaml:"phone"`
	Insurance models.Insurance `yaml:"insurance"`
}

// ScheduleBlock is a contiguous provider availability window that expands into
// native slots of Granularity minutes.
type ScheduleBlock struct {
	Provider    string `yaml:"provider"`
	Location    string `yaml:"location"`
	Date        string `yaml:"date"`
	Start       string `yaml:"start"`
	End         string `yaml:"end"`
	Granularity int    `yaml:"granularity"`
}

// LoadSeed reads and parses a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed parses seed YAML.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &seed, nil
}

// Expand returns the native slots covered by the block. The last slot must end
// at or before End.
func (b ScheduleBlock) Expand() ([]models.Slot, error) {
	if b.Granularity <= 0 {
		return nil, fmt.Errorf("schedule block for %s on %s: granularity must be positive", b.Provider, b.Date)
	}
	start, err := time.Parse(models.TimeLayout, b.Start)
	if err != nil {
		return nil, fmt.Errorf("schedule block start %q: %w", b.Start, err)
	}
	end, err := time.Parse(models.TimeLayout, b.End)
	if err != nil {
		return nil, fmt.Errorf("schedule block end %q: %w", b.End, err)
	}
	step := time.Duration(b.Granularity) * time.Minute
	var out []models.Slot
	for t := start; !t.Add(step).After(end); t = t.Add(step) {
		out = append(out, models.Slot{
			Provider:    b.Provider,
			Location:    b.Location,
			Date:        b.Date,
			StartTime:   t.Format(models.TimeLayout),
			Granularity: b.Granularity,
			Status:      models.SlotAvailable,
		})
	}
	return out, nil
}

// SeedTarget is what Apply writes into.
type SeedTarget interface {
	PatientRepository
	SlotRepository
}

// Apply upserts every patient and slot in the seed. Existing slots are
// overwritten, so seeding should happen before any booking.
func (s *Seed) Apply(ctx context.Context, target SeedTarget) error {
	for _, sp := range s.Patients {
		if _, err := time.Parse(models.DateLayout, sp.DOB); err != nil {
			return fmt.Errorf("seed patient %s: dob %q: %w", sp.ID, sp.DOB, err)
		}
		p := &models.Patient{
			ID:        sp.ID,
			Name:      sp.Name,
			DOB:       sp.DOB,
			Email:     sp.Email,
			Phone:     sp.Phone,
			Insurance: sp.Insurance,
		}
		if err := target.UpsertPatient(ctx, p); err != nil {
			return fmt.Errorf("seed patient %s: %w", sp.ID, err)
		}
	}

	slots := append([]models.Slot(nil), s.Slots...)
	for _, b := range s.Schedule {
		expanded, err := b.Expand()
		if err != nil {
			return err
		}
		slots = append(slots, expanded...)
	}
	for _, sl := range slots {
		if sl.Status == "" {
			sl.Status = models.SlotAvailable
		}
		if err := target.PutSlot(ctx, sl); err != nil {
			return fmt.Errorf("seed slot %s: %w", sl.Key(), err)
		}
	}
	slog.Info("Seed.Apply: seeded store", "patients", len(s.Patients), "slots", len(slots))
	return nil
}
