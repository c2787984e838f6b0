// Package patient classifies identity queries as new or returning patients.
package patient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/util"
)

// dobLayouts are the accepted date-of-birth spellings; the first is canonical.
var dobLayouts = []string{
	models.DateLayout,
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// Resolution is the outcome of a lookup. Patient is always set: for a new
// patient it is a fresh, unsaved profile.
type Resolution struct {
	Found          bool
	Patient        models.Patient
	Classification models.Classification
}

// Resolver looks patients up by identity. It only reads the repository.
type Resolver struct {
	repo store.PatientRepository
	now  func() time.Time
}

// NewResolver creates a Resolver over repo.
func NewResolver(repo store.PatientRepository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// ParseDOB normalizes a date of birth to YYYY-MM-DD. Dates in the future are
// rejected.
func ParseDOB(raw string, now time.Time) (string, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dobLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if t.After(now) {
			return "", fmt.Errorf("%w: date of birth %q is in the future", models.ErrParseFailure, raw)
		}
		return t.Format(models.DateLayout), nil
	}
	return "", fmt.Errorf("%w: unrecognised date of birth %q", models.ErrParseFailure, raw)
}

// Resolve classifies nameOrID + dob. A query that equals a stored patient ID is
// matched by ID, but the DOB must still agree.
func (r *Resolver) Resolve(ctx context.Context, nameOrID, dob string) (Resolution, error) {
	query := strings.TrimSpace(nameOrID)
	if models.NormalizeName(query) == "" {
		return Resolution{}, fmt.Errorf("%w: name is empty", models.ErrParseFailure)
	}
	normDOB, err := ParseDOB(dob, r.now())
	if err != nil {
		return Resolution{}, err
	}

	if strings.HasPrefix(query, util.PatientIDPrefix) {
		p, err := r.repo.FindByID(ctx, query)
		if err != nil {
			return Resolution{}, fmt.Errorf("find patient by id: %w", err)
		}
		if p != nil && p.DOB == normDOB {
			slog.Debug("Resolver.Resolve: matched by id", "patientID", p.ID)
			return returning(*p), nil
		}
	}

	p, err := r.repo.FindByIdentity(ctx, models.NormalizeName(query), normDOB)
	if err != nil {
		return Resolution{}, fmt.Errorf("find patient by identity: %w", err)
	}
	if p != nil {
		slog.Debug("Resolver.Resolve: returning patient", "patientID", p.ID)
		return returning(*p), nil
	}

	slog.Debug("Resolver.Resolve: new patient")
	return Resolution{
		Found: false,
		Patient: models.Patient{
			ID:             util.GeneratePatientID(),
			Name:           query,
			DOB:            normDOB,
			Classification: models.ClassificationNew,
		},
		Classification: models.ClassificationNew,
	}, nil
}

func returning(p models.Patient) Resolution {
	p.Classification = models.ClassificationReturning
	return Resolution{Found: true, Patient: p, Classification: models.ClassificationReturning}
}
