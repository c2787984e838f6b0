// Package slots finds bookable appointment slots for a patient.
//
// A slot qualifies when the appointment duration, fixed by the patient's
// classification, is a whole multiple of the slot's native granularity and
// enough contiguous available slots follow it on the same provider, location
// and date.
package slots

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

const minutesPerDay = 24 * 60

// Opts configures a Scheduler.
type Opts struct {
	Limit int
}

// Option configures a Scheduler.
type Option func(*Opts)

// WithLimit caps how many slots FindSlots returns; zero means no cap.
func WithLimit(n int) Option {
	return func(o *Opts) { o.Limit = n }
}

// Scheduler filters the slot repository.
type Scheduler struct {
	repo  store.SlotRepository
	limit int
}

// NewScheduler creates a Scheduler over repo.
func NewScheduler(repo store.SlotRepository, opts ...Option) *Scheduler {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{repo: repo, limit: cfg.Limit}
}

// FindSlots returns bookable slots ordered by date, start time and provider,
// each carrying the appointment Duration and the Span of native slots it
// occupies. An empty result is models.ErrNotFound.
func (s *Scheduler) FindSlots(ctx context.Context, providerPref, locationPref string, classification models.Classification) ([]models.Slot, error) {
	minutes := classification.AppointmentMinutes()
	if minutes == 0 {
		return nil, fmt.Errorf("unknown classification %q", classification)
	}

	filter := models.SlotFilter{Status: models.SlotAvailable}
	if !models.IsAnyPreference(providerPref) {
		filter.Provider = strings.TrimSpace(providerPref)
	}
	if !models.IsAnyPreference(locationPref) {
		filter.Location = strings.TrimSpace(locationPref)
	}

	available, err := s.repo.ListAvailable(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}

	index := make(map[models.SlotKey]models.Slot, len(available))
	for _, sl := range available {
		if sl.Status == models.SlotAvailable {
			index[sl.Key()] = sl
		}
	}

	var out []models.Slot
	for _, sl := range index {
		span, ok := contiguousSpan(index, sl, minutes)
		if !ok {
			continue
		}
		sl.Duration = minutes
		sl.Span = span
		out = append(out, sl)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Location < b.Location
	})
	if s.limit > 0 && len(out) > s.limit {
		out = out[:s.limit]
	}

	if len(out) == 0 {
		slog.Debug("Scheduler.FindSlots: no matching slots", "provider", filter.Provider, "location", filter.Location, "minutes", minutes)
		return nil, fmt.Errorf("%w: no slots for provider %q location %q lasting %d minutes",
			models.ErrNotFound, providerPref, locationPref, minutes)
	}
	slog.Debug("Scheduler.FindSlots", "provider", filter.Provider, "location", filter.Location, "minutes", minutes, "count", len(out))
	return out, nil
}

// contiguousSpan returns the keys of the native slots an appointment of
// minutes starting at first would occupy, or false when any is missing.
func contiguousSpan(index map[models.SlotKey]models.Slot, first models.Slot, minutes int) ([]models.SlotKey, bool) {
	g := first.Granularity
	if g <= 0 || minutes%g != 0 {
		return nil, false
	}
	start, err := first.StartMinutes()
	if err != nil {
		return nil, false
	}
	n := minutes / g
	if start+minutes > minutesPerDay {
		return nil, false
	}

	span := make([]models.SlotKey, 0, n)
	span = append(span, first.Key())
	for i := 1; i < n; i++ {
		key := models.SlotKey{Provider: first.Provider, Date: first.Date, StartTime: formatMinutes(start + i*g)}
		next, ok := index[key]
		if !ok || next.Granularity != g || !strings.EqualFold(next.Location, first.Location) {
			return nil, false
		}
		span = append(span, key)
	}
	return span, true
}

func formatMinutes(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
