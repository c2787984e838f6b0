// Package booking reserves slots for sessions and records confirmations.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/util"
)

// Repository is the storage a Recorder needs.
type Repository interface {
	store.ConfirmationStore
	store.PatientRepository
}

// Recorder turns a chosen slot into a persisted Confirmation.
type Recorder struct {
	repo   Repository
	locker store.Locker
	now    func() time.Time
}

// NewRecorder creates a Recorder. A nil locker means an in-process one.
func NewRecorder(repo Repository, locker store.Locker) *Recorder {
	if locker == nil {
		locker = store.NewLocalLocker()
	}
	return &Recorder{repo: repo, locker: locker, now: time.Now}
}

// Confirm books slot for the session's patient. The Confirmation is returned
// only after the reservation committed. Losing a race yields models.ErrConflict;
// a state that breaks the one-booking-per-slot rule yields models.ErrIntegrity.
func (r *Recorder) Confirm(ctx context.Context, sess *models.Session, slot models.Slot) (models.Confirmation, error) {
	if sess.Patient == nil {
		return models.Confirmation{}, errors.New("session has no resolved patient")
	}
	want := sess.Classification.AppointmentMinutes()
	if want == 0 || slot.Duration != want {
		return models.Confirmation{}, fmt.Errorf("%w: slot duration %d does not match %s patient (%d minutes)",
			models.ErrIntegrity, slot.Duration, sess.Classification, want)
	}

	if existing, err := r.repo.ActiveConfirmationFor(ctx, sess.ID); err != nil {
		return models.Confirmation{}, fmt.Errorf("check existing confirmation: %w", err)
	} else if existing != nil {
		if existing.Slot.Key() == slot.Key() {
			slog.Debug("Recorder.Confirm: already confirmed", "sessionID", sess.ID, "confirmationID", existing.ID)
			return *existing, nil
		}
		return models.Confirmation{}, fmt.Errorf("%w: session %s already holds confirmation %s", models.ErrIntegrity, sess.ID, existing.ID)
	}

	keys := slot.SpanKeys()
	models.SortSlotKeys(keys)
	lockKeys := make([]string, len(keys))
	for i, k := range keys {
		lockKeys[i] = "slot:" + k.String()
	}
	unlock, err := store.LockAll(ctx, r.locker, lockKeys)
	if err != nil {
		return models.Confirmation{}, fmt.Errorf("lock slot %s: %w", slot.Key(), err)
	}
	defer unlock()

	c := models.Confirmation{
		ID:        util.GenerateConfirmationID(),
		SessionID: sess.ID,
		PatientID: sess.Patient.ID,
		Slot:      slot,
		CreatedAt: r.now(),
	}
	// Reserve keeps the span in the order the scheduler produced it.
	if err := r.repo.Reserve(ctx, slot.SpanKeys(), &c); err != nil {
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
			slog.Warn("Recorder.Confirm: slot taken", "sessionID", sess.ID, "slot", slot.Key().String(), "error", err)
			return models.Confirmation{}, fmt.Errorf("%w: %v", models.ErrConflict, err)
		}
		return models.Confirmation{}, fmt.Errorf("reserve slot: %w", err)
	}

	for _, k := range keys {
		n, err := r.repo.CountActiveForSlot(ctx, k)
		if err != nil {
			return models.Confirmation{}, fmt.Errorf("verify slot %s: %w", k, err)
		}
		if n != 1 {
			slog.Error("Recorder.Confirm: slot booked more than once", "slot", k.String(), "count", n)
			return models.Confirmation{}, fmt.Errorf("%w: slot %s has %d active confirmations", models.ErrIntegrity, k, n)
		}
	}

	r.updatePatient(ctx, sess)
	slog.Info("Recorder.Confirm: booked", "sessionID", sess.ID, "confirmationID", c.ID, "slot", slot.Key().String(), "minutes", slot.Duration)
	return c, nil
}

// updatePatient stores the contact and insurance details collected during the
// session. Failure only logs; the booking already stands.
func (r *Recorder) updatePatient(ctx context.Context, sess *models.Session) {
	p := *sess.Patient
	p.Insurance = sess.Insurance
	if sess.Contact.Email != "" {
		p.Email = sess.Contact.Email
	}
	if sess.Contact.Phone != "" {
		p.Phone = sess.Contact.Phone
	}
	if err := r.repo.UpsertPatient(ctx, &p); err != nil {
		slog.Warn("Recorder.updatePatient: upsert failed", "patientID", p.ID, "error", err)
	}
}

// Cancel flags a confirmation as cancelled and frees its slots. Cancelling
// twice is a no-op.
func (r *Recorder) Cancel(ctx context.Context, confirmationID, reason string) (models.Confirmation, error) {
	c, err := r.repo.CancelConfirmation(ctx, confirmationID, reason, r.now())
	if err != nil {
		return models.Confirmation{}, fmt.Errorf("cancel confirmation %s: %w", confirmationID, err)
	}
	slog.Info("Recorder.Cancel", "confirmationID", confirmationID, "reason", reason)
	return *c, nil
}
