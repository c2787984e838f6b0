// Package reminder drives the three reminder stages that follow a booking and
// records exactly one outcome per stage.
//
// Stage 1 is a notice and completes as soon as the send is resolved. Stages 2
// and 3 send a question and wait for a reply; the reply, a bounded number of
// unrecognised replies, or a timeout completes them. Every method reads only
// the session it is given, so a stage can resume in a different process.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/messaging"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

// DefaultMaxReprompts bounds unrecognised replies before a stage is closed as NoResponse.
const DefaultMaxReprompts = 2

// Reasons recorded on NoResponse outcomes.
const (
	ReasonDeliveryFailed = "delivery failed"
	ReasonTimeout        = "no response before timeout"
	ReasonUnrecognized   = "reply not recognised"
	ReasonFormsPending   = "forms not completed"
	ReasonFormsFilled    = "forms filled"
	ReasonNoReasonGiven  = "no reason given"
)

// Notifier sends one message; messaging.Dispatcher implements it.
type Notifier interface {
	Send(ctx context.Context, req messaging.SendRequest) (messaging.SendResult, error)
}

// Canceller cancels a confirmation; booking.Recorder implements it.
type Canceller interface {
	Cancel(ctx context.Context, confirmationID, reason string) (models.Confirmation, error)
}

// Outcome reports what a call did to the stage.
type Outcome struct {
	// Done is true once the stage's record exists.
	Done   bool
	Record models.ReminderRecord
	// Prompt is the text sent to (or to show) the patient while awaiting a reply.
	Prompt string
	// Reprompt is true when the reply was not understood and the stage still waits.
	Reprompt bool
	// Cancelled is set when a stage 3 decline cancelled the confirmation.
	Cancelled *models.Confirmation
}

// Opts configures a Scheduler.
type Opts struct {
	Channel      models.Channel
	UseEmail     bool
	MaxReprompts int
}

// Option defines a configuration option for the Scheduler.
type Option func(*Opts)

// WithChannel sets the dispatcher channel reminders are sent on.
func WithChannel(ch models.Channel) Option {
	return func(o *Opts) { o.Channel = ch }
}

// WithEmailRecipient addresses reminders to the patient's email instead of phone.
func WithEmailRecipient() Option {
	return func(o *Opts) { o.UseEmail = true }
}

// WithMaxReprompts bounds unrecognised replies per stage.
func WithMaxReprompts(n int) Option {
	return func(o *Opts) { o.MaxReprompts = n }
}

// Scheduler runs reminder stages for one session at a time. It is stateless
// between calls.
type Scheduler struct {
	log       store.ReminderLog
	notifier  Notifier
	canceller Canceller
	cfg       Opts
	now       func() time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(log store.ReminderLog, notifier Notifier, canceller Canceller, opts ...Option) *Scheduler {
	cfg := Opts{Channel: models.ChannelReminder, MaxReprompts: DefaultMaxReprompts}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{log: log, notifier: notifier, canceller: canceller, cfg: cfg, now: time.Now}
}

// Begin sends the stage's message. Stage 1 completes here; stages 2 and 3
// return with Done false and wait for Respond or Timeout, unless both send
// attempts fail, in which case they close as NoResponse.
func (s *Scheduler) Begin(ctx context.Context, sess *models.Session, stage int) (Outcome, error) {
	if err := checkStage(stage); err != nil {
		return Outcome{}, err
	}
	if rec, ok, err := s.existing(ctx, sess.ID, stage); err != nil || ok {
		return Outcome{Done: ok, Record: rec}, err
	}

	delivered, err := s.sendWithRetry(ctx, sess, stage)
	if err != nil {
		return Outcome{}, err
	}
	if !delivered {
		slog.Warn("Scheduler.Begin: reminder not delivered, continuing", "sessionID", sess.ID, "stage", stage)
		return s.finish(ctx, sess, stage, models.OutcomeNoResponse, ReasonDeliveryFailed)
	}
	if stage == 1 {
		return s.finish(ctx, sess, stage, models.OutcomeSent, "")
	}
	return Outcome{Prompt: PromptFor(stage)}, nil
}

// Respond interprets a reply to stage 2 or 3.
func (s *Scheduler) Respond(ctx context.Context, sess *models.Session, stage int, text string) (Outcome, error) {
	if stage != 2 && stage != 3 {
		return Outcome{}, fmt.Errorf("stage %d does not take replies", stage)
	}
	if rec, ok, err := s.existing(ctx, sess.ID, stage); err != nil || ok {
		return Outcome{Done: ok, Record: rec}, err
	}

	reply, reason := Classify(text)
	slog.Debug("Scheduler.Respond: reply classified", "sessionID", sess.ID, "stage", stage, "reply", reply.String())
	switch {
	case stage == 2 && reply == ReplyPositive:
		return s.finish(ctx, sess, stage, models.OutcomeActionConfirmed, ReasonFormsFilled)
	case stage == 2 && reply == ReplyNegative:
		return s.finish(ctx, sess, stage, models.OutcomeNoResponse, ReasonFormsPending)
	case stage == 3 && reply == ReplyPositive:
		return s.finish(ctx, sess, stage, models.OutcomeActionConfirmed, "")
	case stage == 3 && reply == ReplyNegative:
		if reason == "" {
			reason = ReasonNoReasonGiven
		}
		return s.decline(ctx, sess, reason)
	}

	if sess.Attempts[models.ReminderStage(stage)] >= s.cfg.MaxReprompts {
		return s.finish(ctx, sess, stage, models.OutcomeNoResponse, ReasonUnrecognized)
	}
	return Outcome{Reprompt: true, Prompt: repromptText(stage)}, nil
}

// Timeout closes a waiting stage as NoResponse. It is a no-op for a stage
// that already has its record.
func (s *Scheduler) Timeout(ctx context.Context, sess *models.Session, stage int) (Outcome, error) {
	if err := checkStage(stage); err != nil {
		return Outcome{}, err
	}
	if rec, ok, err := s.existing(ctx, sess.ID, stage); err != nil || ok {
		return Outcome{Done: ok, Record: rec}, err
	}
	return s.finish(ctx, sess, stage, models.OutcomeNoResponse, ReasonTimeout)
}

func (s *Scheduler) decline(ctx context.Context, sess *models.Session, reason string) (Outcome, error) {
	var cancelled *models.Confirmation
	if sess.Confirmation != nil && !sess.Confirmation.Cancelled {
		c, err := s.canceller.Cancel(ctx, sess.Confirmation.ID, reason)
		if err != nil {
			return Outcome{}, fmt.Errorf("cancel confirmation %s: %w", sess.Confirmation.ID, err)
		}
		cancelled = &c
	}
	out, err := s.finish(ctx, sess, 3, models.OutcomeActionDeclined, reason)
	out.Cancelled = cancelled
	return out, err
}

// sendWithRetry makes at most two attempts; each attempt is audited by the notifier.
func (s *Scheduler) sendWithRetry(ctx context.Context, sess *models.Session, stage int) (bool, error) {
	recipient := sess.Contact.Phone
	if s.cfg.UseEmail {
		recipient = sess.Contact.Email
	}
	req := messaging.SendRequest{
		SessionID: sess.ID,
		Channel:   s.cfg.Channel,
		Recipient: recipient,
		Template:  messaging.ReminderTemplate(stage),
		Payload:   messaging.SessionPayload(sess),
	}
	for attempt := 1; attempt <= 2; attempt++ {
		res, err := s.notifier.Send(ctx, req)
		if err != nil {
			return false, err
		}
		if res.Success {
			return true, nil
		}
		slog.Warn("Scheduler.sendWithRetry: attempt failed", "sessionID", sess.ID, "stage", stage, "attempt", attempt, "reason", res.Reason)
	}
	return false, nil
}

// finish appends the stage record. A record that already exists (a resumed
// stage raced another worker) is returned instead of a second one.
func (s *Scheduler) finish(ctx context.Context, sess *models.Session, stage int, outcome models.ReminderOutcome, reason string) (Outcome, error) {
	rec := models.ReminderRecord{
		SessionID: sess.ID,
		Stage:     stage,
		Timestamp: s.now().UTC(),
		Outcome:   outcome,
		Reason:    reason,
	}
	err := s.log.AppendReminderRecord(ctx, rec)
	if errors.Is(err, models.ErrConflict) {
		prev, ok, lerr := s.existing(ctx, sess.ID, stage)
		if lerr != nil {
			return Outcome{}, lerr
		}
		if ok {
			slog.Debug("Scheduler.finish: stage already recorded", "sessionID", sess.ID, "stage", stage)
			return Outcome{Done: true, Record: prev}, nil
		}
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("append reminder record: %w", err)
	}
	slog.Info("Scheduler.finish: reminder stage recorded", "sessionID", sess.ID, "stage", stage, "outcome", outcome)
	return Outcome{Done: true, Record: rec}, nil
}

func (s *Scheduler) existing(ctx context.Context, sessionID string, stage int) (models.ReminderRecord, bool, error) {
	recs, err := s.log.ListReminderRecords(ctx, sessionID)
	if err != nil {
		return models.ReminderRecord{}, false, fmt.Errorf("list reminder records: %w", err)
	}
	for _, r := range recs {
		if r.Stage == stage {
			return r, true, nil
		}
	}
	return models.ReminderRecord{}, false, nil
}

func checkStage(stage int) error {
	if stage < 1 || stage > models.ReminderStageCount {
		return fmt.Errorf("invalid reminder stage %d", stage)
	}
	return nil
}

func repromptText(stage int) string {
	if stage == 2 {
		return "Sorry, I didn't catch that. Have you completed your intake form? Please reply YES or NO."
	}
	return "Sorry, I didn't catch that. Will you attend your visit? Reply YES to confirm, or NO with a reason to cancel."
}

// PromptFor is the in-conversation text for a waiting stage.
func PromptFor(stage int) string {
	switch stage {
	case 2:
		return "Have you filled out your intake form? Reply YES once it is done."
	case 3:
		return "Is your visit confirmed? Reply YES to confirm, or NO with a reason to cancel."
	default:
		return ""
	}
}
