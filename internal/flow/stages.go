package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/extract"
	"github.com/BTreeMap/BookingPipe/internal/messaging"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/reminder"
)

var (
	identityFields = []extract.Field{
		{Name: "name", Description: "the patient's full name or patient ID", Required: true},
		{Name: "dob", Description: "date of birth as YYYY-MM-DD", Required: true},
	}
	preferenceFields = []extract.Field{
		{Name: "provider", Description: "preferred provider name, or \"any\"", Required: true},
		{Name: "location", Description: "preferred clinic location, or \"any\""},
	}
	insuranceFields = []extract.Field{
		{Name: "carrier", Description: "insurance carrier name", Required: true},
		{Name: "member_id", Description: "insurance member ID", Required: true},
		{Name: "group_number", Description: "insurance group number"},
	}
	contactFields = []extract.Field{
		{Name: "email", Description: "email address", Required: true},
		{Name: "phone", Description: "mobile phone number", Required: true},
	}
)

func (o *Orchestrator) lookup(ctx context.Context, t *turn, in Input) (step, error) {
	vals, err := o.extractor.Extract(ctx, in.Text, identityFields)
	if err != nil {
		return step{}, err
	}
	res, err := o.resolver.Resolve(ctx, vals["name"], vals["dob"])
	if err != nil {
		return step{}, err
	}
	s := t.sess
	p := res.Patient
	s.IdentityQuery = vals["name"]
	s.Patient = &p
	s.PatientFound = res.Found
	s.Classification = res.Classification
	if res.Found {
		// Returning patients keep what is on file unless they give something new.
		s.Insurance = p.Insurance
		s.Contact = models.Contact{Email: p.Email, Phone: p.Phone}
	}
	slog.Debug("Orchestrator.lookup: resolved", "sessionID", s.ID, "patientID", p.ID, "found", res.Found, "classification", res.Classification)
	return step{kind: stepAdvance, prompt: lookupResultPrompt(res.Found, p.Name)}, nil
}

func (o *Orchestrator) parsePreferences(ctx context.Context, text string) (models.Preferences, error) {
	vals, err := o.extractor.Extract(ctx, text, preferenceFields)
	if err != nil {
		return models.Preferences{}, err
	}
	loc := vals["location"]
	if loc == "" {
		loc = models.AnyPreference
	}
	return models.Preferences{Provider: vals["provider"], Location: loc}, nil
}

func (o *Orchestrator) preferences(ctx context.Context, t *turn, in Input) (step, error) {
	p, err := o.parsePreferences(ctx, in.Text)
	if err != nil {
		return step{}, err
	}
	t.sess.Preferences = p
	return step{kind: stepAdvance, prompt: promptInsurance}, nil
}

func (o *Orchestrator) insurance(ctx context.Context, t *turn, in Input) (step, error) {
	vals, err := o.extractor.Extract(ctx, in.Text, insuranceFields)
	if err != nil {
		return step{}, err
	}
	t.sess.Insurance = models.Insurance{Carrier: vals["carrier"], MemberID: vals["member_id"], GroupNumber: vals["group_number"]}
	return step{kind: stepAdvance, prompt: promptContact}, nil
}

func (o *Orchestrator) contact(ctx context.Context, t *turn, in Input) (step, error) {
	vals, err := o.extractor.Extract(ctx, in.Text, contactFields)
	if err != nil {
		return step{}, err
	}
	email := strings.TrimSpace(vals["email"])
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return step{}, fmt.Errorf("%w: invalid email %q", models.ErrParseFailure, email)
	}
	phone := strings.TrimSpace(vals["phone"])
	if len(digitsOnly(phone)) < 6 {
		return step{}, fmt.Errorf("%w: invalid phone %q", models.ErrParseFailure, phone)
	}
	t.sess.Contact = models.Contact{Email: email, Phone: phone}
	return step{kind: stepAdvance}, nil
}

// scheduling searches on entry and whenever no slots are on offer; otherwise
// the input picks one of the offered slots.
func (o *Orchestrator) scheduling(ctx context.Context, t *turn, in Input) (step, error) {
	s := t.sess
	if in.Trigger == triggerEnter || len(s.OfferedSlots) == 0 {
		if in.Trigger != triggerEnter {
			p, err := o.parsePreferences(ctx, in.Text)
			if err != nil {
				return step{}, err
			}
			s.Preferences = p
		}
		return o.search(ctx, t)
	}
	slot, err := pickOffered(s.OfferedSlots, in.Text)
	if err != nil {
		return step{}, err
	}
	s.SelectedSlot = &slot
	return step{kind: stepAdvance}, nil
}

func (o *Orchestrator) search(ctx context.Context, t *turn) (step, error) {
	s := t.sess
	found, err := o.slots.FindSlots(ctx, s.Preferences.Provider, s.Preferences.Location, s.Classification)
	if errors.Is(err, models.ErrNotFound) {
		s.OfferedSlots = nil
		if s.SlotRetries >= o.cfg.MaxSlotRetries {
			return step{kind: stepFail, failKind: models.FailureNotFound, reason: "no matching slots, escalate to staff"}, nil
		}
		s.SlotRetries++
		return step{kind: stepRetry, prompt: noSlotsPrompt(s.Preferences)}, nil
	}
	if err != nil {
		return step{}, err
	}
	s.OfferedSlots = o.limitOffers(found)
	return step{kind: stepStay, prompt: offerPrompt(s.OfferedSlots)}, nil
}

func (o *Orchestrator) limitOffers(found []models.Slot) []models.Slot {
	if o.cfg.OfferLimit > 0 && len(found) > o.cfg.OfferLimit {
		return found[:o.cfg.OfferLimit]
	}
	return found
}

// pickOffered reads a 1-based choice such as "2", "#2" or "option 2".
func pickOffered(offers []models.Slot, text string) (models.Slot, error) {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return r < '0' || r > '9'
	})
	if len(fields) == 0 {
		return models.Slot{}, fmt.Errorf("%w: no slot number in %q", models.ErrParseFailure, text)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 1 || n > len(offers) {
		return models.Slot{}, fmt.Errorf("%w: choose a number from 1 to %d", models.ErrParseFailure, len(offers))
	}
	return offers[n-1], nil
}

func (o *Orchestrator) confirming(ctx context.Context, t *turn, in Input) (step, error) {
	s := t.sess
	if in.Trigger != triggerEnter {
		slot, err := pickOffered(s.OfferedSlots, in.Text)
		if err != nil {
			return step{}, err
		}
		s.SelectedSlot = &slot
	}
	if s.SelectedSlot == nil {
		return step{}, fmt.Errorf("%w: no slot selected", models.ErrParseFailure)
	}
	c, err := o.booker.Confirm(ctx, s, *s.SelectedSlot)
	if errors.Is(err, models.ErrConflict) {
		return o.conflict(ctx, t)
	}
	if err != nil {
		return step{}, err
	}
	s.Confirmation = &c
	return step{kind: stepAdvance, prompt: bookedPrompt(&c)}, nil
}

// conflict re-lists slots after the chosen one was taken by another booking.
func (o *Orchestrator) conflict(ctx context.Context, t *turn) (step, error) {
	s := t.sess
	s.ConflictRetries++
	s.SelectedSlot = nil
	slog.Warn("Orchestrator.conflict: slot taken", "sessionID", s.ID, "retries", s.ConflictRetries)
	if s.ConflictRetries > o.cfg.MaxStageAttempts {
		return step{kind: stepFail, failKind: models.FailureConflict, reason: "selected slots kept being taken, escalate to staff"}, nil
	}
	found, err := o.slots.FindSlots(ctx, s.Preferences.Provider, s.Preferences.Location, s.Classification)
	if errors.Is(err, models.ErrNotFound) {
		s.OfferedSlots = nil
		return step{kind: stepFail, failKind: models.FailureNotFound, reason: "no remaining slots, escalate to staff"}, nil
	}
	if err != nil {
		return step{}, err
	}
	s.OfferedSlots = o.limitOffers(found)
	return step{kind: stepRetry, prompt: correctivePrompts[models.FailureConflict] + offerPrompt(s.OfferedSlots)}, nil
}

// communicating sends the intake form and the confirmation, then schedules
// the first reminder.
func (o *Orchestrator) communicating(ctx context.Context, t *turn) (step, error) {
	s := t.sess
	if s.Contact.Email != "" {
		ok, err := o.sendWithRetry(ctx, s, models.ChannelEmail, messaging.TemplateIntakeForm)
		if err != nil {
			return step{}, err
		}
		if !ok {
			slog.Warn("Orchestrator.communicating: intake form not delivered", "sessionID", s.ID)
		}
	}
	ok, err := o.sendWithRetry(ctx, s, o.cfg.ConfirmationChannel, messaging.TemplateConfirmation)
	if err != nil {
		return step{}, err
	}
	if !ok {
		if o.cfg.Policy == PolicyRequired {
			return step{kind: stepFail, failKind: models.FailureTransport, reason: "confirmation message could not be delivered"}, nil
		}
		slog.Warn("Orchestrator.communicating: confirmation not delivered, continuing", "sessionID", s.ID, "channel", o.cfg.ConfirmationChannel)
	}
	t.jobs = append(t.jobs, o.reminderJob(s.ID, 1))
	return step{kind: stepAdvance, prompt: bookedPrompt(s.Confirmation)}, nil
}

func (o *Orchestrator) reminderStage(ctx context.Context, t *turn, in Input) (step, error) {
	s := t.sess
	n := s.Stage.ReminderNumber()
	var (
		out reminder.Outcome
		err error
	)
	switch {
	case in.Trigger == TriggerReminderDue:
		out, err = o.reminders.Begin(ctx, s, n)
	case in.Trigger == TriggerResponseTimeout:
		out, err = o.reminders.Timeout(ctx, s, n)
	case s.Awaiting && strings.TrimSpace(in.Text) != "":
		out, err = o.reminders.Respond(ctx, s, n, in.Text)
	case s.Awaiting:
		return step{kind: stepIgnore}, nil
	default:
		return step{kind: stepIgnore, prompt: promptWaiting}, nil
	}
	if err != nil {
		// Reminder failures are infrastructure failures; the job retries the turn.
		return step{}, &abortError{err: fmt.Errorf("reminder stage %d: %w", n, err)}
	}
	if out.Reprompt {
		s.Attempts[s.Stage]++
		return step{kind: stepStay, prompt: out.Prompt}, nil
	}
	if !out.Done {
		s.Awaiting = true
		t.jobs = append(t.jobs, o.timeoutJob(s.ID, n))
		return step{kind: stepStay, prompt: out.Prompt}, nil
	}

	s.Reminders = appendRecord(s.Reminders, out.Record)
	if out.Cancelled != nil {
		s.Confirmation = out.Cancelled
	}
	next := s.Stage.Next()
	prompt := promptWaiting
	switch {
	case next.ReminderNumber() > 0:
		t.jobs = append(t.jobs, o.reminderJob(s.ID, n+1))
	case s.Confirmation != nil && s.Confirmation.Cancelled:
		prompt = promptCancelled
	default:
		prompt = promptComplete
	}
	return step{kind: stepAdvance, prompt: prompt}, nil
}

func appendRecord(recs []models.ReminderRecord, r models.ReminderRecord) []models.ReminderRecord {
	for _, existing := range recs {
		if existing.Stage == r.Stage {
			return recs
		}
	}
	return append(recs, r)
}
