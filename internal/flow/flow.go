// Package flow implements the booking workflow orchestrator: the state machine
// that takes one session from greeting to a completed reminder sequence.
//
// Each stage maps to one collaborator call whose result is classified as
// Success (next stage), Recoverable (same stage, corrective prompt) or Fatal
// (terminal Error stage). Stages that need no patient input are chained inside
// the same Advance call. Reminder stages are driven by durable jobs.
package flow

import (
	"errors"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Trigger is an internal event delivered to a session instead of patient text.
type Trigger string

const (
	// TriggerReminderDue starts the reminder stage named by Input.Stage.
	TriggerReminderDue Trigger = "reminder_due"
	// TriggerResponseTimeout closes a reminder stage that is waiting for a reply.
	TriggerResponseTimeout Trigger = "response_timeout"

	// triggerEnter runs a chained stage on entry.
	triggerEnter Trigger = "enter"
)

// Input is one unit of work for Advance: patient text or a trigger.
type Input struct {
	Text    string
	Trigger Trigger
	// Stage is the reminder stage (1..3) a trigger targets. Stale triggers are ignored.
	Stage int
}

// Status summarises where a session stands for presentation.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusWaiting    Status = "waiting_for_reminder"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusAbandoned  Status = "abandoned"
)

// Result is what presentation layers render.
type Result struct {
	SessionID string          `json:"session_id"`
	Stage     models.Stage    `json:"stage"`
	Status    Status          `json:"status"`
	Prompt    string          `json:"prompt"`
	Retry     bool            `json:"retry"`
	Failure   *models.Failure `json:"failure,omitempty"`
	Session   *models.Session `json:"session"`
}

func statusOf(s *models.Session) Status {
	switch {
	case s.Abandoned:
		return StatusAbandoned
	case s.Stage == models.StageComplete:
		return StatusComplete
	case s.Stage == models.StageError:
		return StatusFailed
	case s.Stage.ReminderNumber() > 0 && !s.Awaiting:
		return StatusWaiting
	default:
		return StatusInProgress
	}
}

// ConfirmationPolicy decides what a failed confirmation send does to the session.
type ConfirmationPolicy string

const (
	// PolicyBestEffort logs the failure and carries on to the reminders.
	PolicyBestEffort ConfirmationPolicy = "best_effort"
	// PolicyRequired makes a failed confirmation send Fatal.
	PolicyRequired ConfirmationPolicy = "required"
)

// classify maps a collaborator error onto the recovery policy. Unknown errors are Fatal.
func classify(err error) (recoverable bool, kind models.FailureKind) {
	switch {
	case errors.Is(err, models.ErrParseFailure):
		return true, models.FailureParse
	case errors.Is(err, models.ErrNotFound):
		return true, models.FailureNotFound
	case errors.Is(err, models.ErrConflict):
		return true, models.FailureConflict
	case errors.Is(err, models.ErrTransportFailure):
		return true, models.FailureTransport
	case errors.Is(err, models.ErrIntegrity):
		return false, models.FailureIntegrity
	default:
		return false, models.FailureInternal
	}
}
