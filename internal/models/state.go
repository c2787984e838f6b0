// Package models defines state management structures for booking sessions.
package models

import "time"

// Stage is one named step in the booking pipeline.
type Stage string

const (
	StageGreeting      Stage = "GREETING"
	StageLookup        Stage = "LOOKUP"
	StagePreferences   Stage = "PREFERENCES"
	StageInsurance     Stage = "INSURANCE"
	StageContact       Stage = "CONTACT"
	StageScheduling    Stage = "SCHEDULING"
	StageConfirming    Stage = "CONFIRMING"
	StageCommunicating Stage = "COMMUNICATING"
	StageReminder1     Stage = "REMINDER_1"
	StageReminder2     Stage = "REMINDER_2"
	StageReminder3     Stage = "REMINDER_3"
	StageComplete      Stage = "COMPLETE"
	StageError         Stage = "ERROR"
)

// stageSequence is the fixed forward order; StageError is reachable from any non-terminal stage.
var stageSequence = []Stage{
	StageGreeting,
	StageLookup,
	StagePreferences,
	StageInsurance,
	StageContact,
	StageScheduling,
	StageConfirming,
	StageCommunicating,
	StageReminder1,
	StageReminder2,
	StageReminder3,
	StageComplete,
}

// Next returns the stage that follows s on success. Terminal stages return themselves.
func (s Stage) Next() Stage {
	for i, st := range stageSequence {
		if st == s && i+1 < len(stageSequence) {
			return stageSequence[i+1]
		}
	}
	return s
}

// Index returns the position of s in the forward sequence, or -1 for StageError and unknown values.
func (s Stage) Index() int {
	for i, st := range stageSequence {
		if st == s {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether s is Complete or Error.
func (s Stage) IsTerminal() bool {
	return s == StageComplete || s == StageError
}

// ReminderNumber returns 1..3 for reminder stages and 0 otherwise.
func (s Stage) ReminderNumber() int {
	switch s {
	case StageReminder1:
		return 1
	case StageReminder2:
		return 2
	case StageReminder3:
		return 3
	default:
		return 0
	}
}

// ReminderStage maps 1..3 to its stage.
func ReminderStage(n int) Stage {
	switch n {
	case 1:
		return StageReminder1
	case 2:
		return StageReminder2
	case 3:
		return StageReminder3
	default:
		return ""
	}
}

// IsValid reports whether s is a known stage.
func (s Stage) IsValid() bool {
	return s == StageError || s.Index() >= 0
}

// FailureKind classifies why a session reached StageError.
type FailureKind string

const (
	FailureParse     FailureKind = "parse_failure"
	FailureNotFound  FailureKind = "not_found"
	FailureConflict  FailureKind = "conflict"
	FailureTransport FailureKind = "transport_failure"
	FailureIntegrity FailureKind = "integrity_failure"
	FailureRetries   FailureKind = "retries_exhausted"
	FailureInternal  FailureKind = "internal"
)

// Failure records which stage failed and why.
type Failure struct {
	Stage  Stage       `json:"stage"`
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
	At     time.Time   `json:"at"`
}

// Preferences are the patient's provider and location choices; "any" leaves a dimension open.
type Preferences struct {
	Provider string `json:"provider"`
	Location string `json:"location"`
}

// TranscriptEntry is one line of the conversation.
type TranscriptEntry struct {
	Role  string    `json:"role"` // "patient" or "assistant"
	Stage Stage     `json:"stage"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// Session is one booking attempt. Only the orchestrator mutates it; every save is
// guarded by Revision.
type Session struct {
	ID       string `json:"id"`
	Stage    Stage  `json:"stage"`
	Revision int64  `json:"revision"`

	IdentityQuery  string           `json:"identity_query,omitempty"`
	Patient        *Patient         `json:"patient,omitempty"`
	PatientFound   bool             `json:"patient_found"`
	Classification Classification   `json:"classification,omitempty"`
	Preferences    Preferences      `json:"preferences"`
	Insurance      Insurance        `json:"insurance"`
	Contact        Contact          `json:"contact"`
	OfferedSlots   []Slot           `json:"offered_slots,omitempty"`
	SelectedSlot   *Slot            `json:"selected_slot,omitempty"`
	Confirmation   *Confirmation    `json:"confirmation,omitempty"`
	Reminders      []ReminderRecord `json:"reminders,omitempty"`
	Failure        *Failure         `json:"failure,omitempty"`

	// Attempts counts Recoverable outcomes per stage since the stage was entered.
	Attempts        map[Stage]int `json:"attempts,omitempty"`
	SlotRetries     int           `json:"slot_retries"`
	ConflictRetries int           `json:"conflict_retries"`
	// Awaiting is set while a reminder stage waits for the patient's reply.
	Awaiting  bool `json:"awaiting"`
	Abandoned bool `json:"abandoned"`

	LastPrompt     string            `json:"last_prompt,omitempty"`
	Transcript     []TranscriptEntry `json:"transcript,omitempty"`
	StageEnteredAt time.Time         `json:"stage_entered_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Terminal reports whether the session no longer advances.
func (s *Session) Terminal() bool {
	return s.Stage.IsTerminal() || s.Abandoned
}

// Recipient returns the patient phone for SMS-like channels.
func (s *Session) Recipient(ch Channel) string {
	if ch == ChannelEmail {
		return s.Contact.Email
	}
	return s.Contact.Phone
}
