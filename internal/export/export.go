// Package export writes confirmed appointments to CSV for clinic staff.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

// Source is the data an export reads.
type Source interface {
	store.ConfirmationStore
	store.PatientRepository
}

// Header is the first CSV row.
var Header = []string{
	"confirmation_id", "session_id", "patient_id", "name", "dob", "classification",
	"insurance_carrier", "member_id", "group_number", "email", "phone",
	"provider", "location", "date", "start_time", "duration_minutes",
	"booked_at", "cancelled", "cancel_reason",
}

// Exporter renders confirmations joined with their patient records.
type Exporter struct {
	src Source
}

// NewExporter creates an Exporter reading from src.
func NewExporter(src Source) *Exporter {
	return &Exporter{src: src}
}

// WriteCSV writes every confirmation, oldest first, to w.
func (e *Exporter) WriteCSV(ctx context.Context, w io.Writer) (int, error) {
	confs, err := e.src.ListConfirmations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list confirmations: %w", err)
	}
	sort.SliceStable(confs, func(i, j int) bool { return confs[i].CreatedAt.Before(confs[j].CreatedAt) })

	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	for _, c := range confs {
		p, err := e.src.FindByID(ctx, c.PatientID)
		if err != nil {
			return 0, fmt.Errorf("find patient %s: %w", c.PatientID, err)
		}
		if p == nil {
			slog.Warn("Exporter.WriteCSV: confirmation without patient record", "confirmationID", c.ID, "patientID", c.PatientID)
			p = &models.Patient{ID: c.PatientID}
		}
		if err := cw.Write(row(c, p)); err != nil {
			return 0, fmt.Errorf("write row %s: %w", c.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("flush csv: %w", err)
	}
	return len(confs), nil
}

func row(c models.Confirmation, p *models.Patient) []string {
	// The repository reports every stored patient as returning, so the
	// classification at booking time is recovered from the appointment length.
	duration := c.Slot.Duration
	var class models.Classification
	switch duration {
	case models.NewPatientMinutes:
		class = models.ClassificationNew
	case models.ReturningPatientMinutes:
		class = models.ClassificationReturning
	}
	return []string{
		c.ID, c.SessionID, c.PatientID, p.Name, p.DOB, string(class),
		p.Insurance.Carrier, p.Insurance.MemberID, p.Insurance.GroupNumber, p.Email, p.Phone,
		c.Slot.Provider, c.Slot.Location, c.Slot.Date, c.Slot.StartTime, strconv.Itoa(duration),
		c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), strconv.FormatBool(c.Cancelled), c.CancelReason,
	}
}

// WriteFile writes the export to path atomically via a temp file in the same directory.
func (e *Exporter) WriteFile(ctx context.Context, path string) (int, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create export dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".export-*.csv")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := e.WriteCSV(ctx, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("rename export: %w", err)
	}
	slog.Info("Exporter.WriteFile: export written", "path", path, "rows", n)
	return n, nil
}
