package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SlotStatus is the booking status of a native schedule slot.
type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
)

// Date and time layouts used for slots and dates of birth.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// AnyPreference leaves a provider or location dimension unconstrained.
const AnyPreference = "any"

// IsAnyPreference reports whether pref is empty or the sentinel "any".
func IsAnyPreference(pref string) bool {
	p := strings.TrimSpace(pref)
	return p == "" || strings.EqualFold(p, AnyPreference)
}

// SlotKey uniquely identifies a slot.
type SlotKey struct {
	Provider  string `json:"provider"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
}

func (k SlotKey) String() string {
	return k.Provider + "|" + k.Date + "|" + k.StartTime
}

// SortSlotKeys orders keys deterministically so multi-key locks are always taken in the same order.
func SortSlotKeys(keys []SlotKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}

// Slot is one bookable (provider, date, start time) unit. Duration and Span are
// filled in by the slot scheduler: Duration is the appointment length and Span
// lists every native slot the appointment occupies (the slot itself first).
type Slot struct {
	Provider    string     `json:"provider" yaml:"provider"`
	Location    string     `json:"location" yaml:"location"`
	Date        string     `json:"date" yaml:"date"`
	StartTime   string     `json:"start_time" yaml:"start"`
	Granularity int        `json:"granularity" yaml:"granularity"`
	Duration    int        `json:"duration,omitempty" yaml:"-"`
	Status      SlotStatus `json:"status" yaml:"status"`
	Span        []SlotKey  `json:"span,omitempty" yaml:"-"`
}

// Key returns the slot's unique key.
func (s Slot) Key() SlotKey {
	return SlotKey{Provider: s.Provider, Date: s.Date, StartTime: s.StartTime}
}

// SpanKeys returns the keys the appointment occupies; a slot without a span occupies itself.
func (s Slot) SpanKeys() []SlotKey {
	if len(s.Span) == 0 {
		return []SlotKey{s.Key()}
	}
	keys := make([]SlotKey, len(s.Span))
	copy(keys, s.Span)
	return keys
}

// Start parses the slot's date and start time in UTC.
func (s Slot) Start() (time.Time, error) {
	return time.Parse(DateLayout+" "+TimeLayout, s.Date+" "+s.StartTime)
}

// StartMinutes returns the start time as minutes after midnight.
func (s Slot) StartMinutes() (int, error) {
	t, err := time.Parse(TimeLayout, s.StartTime)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Validate checks a slot before it is written to a repository.
func (s Slot) Validate() error {
	if strings.TrimSpace(s.Provider) == "" {
		return errors.New("slot provider is required")
	}
	if _, err := s.Start(); err != nil {
		return fmt.Errorf("slot date/time invalid: %w", err)
	}
	if s.Granularity <= 0 {
		return errors.New("slot granularity must be positive")
	}
	if s.Status != SlotAvailable && s.Status != SlotBooked {
		return fmt.Errorf("slot status %q invalid", s.Status)
	}
	return nil
}

// SlotFilter narrows a repository listing. Empty fields are unconstrained.
type SlotFilter struct {
	Provider string
	Location string
	Status   SlotStatus
}

// Confirmation links one session to one slot and one patient. It is append-only
// except for the cancellation fields.
type Confirmation struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	PatientID    string     `json:"patient_id"`
	Slot         Slot       `json:"slot"`
	CreatedAt    time.Time  `json:"created_at"`
	Cancelled    bool       `json:"cancelled"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
}

// ReminderOutcome is the result of one reminder stage.
type ReminderOutcome string

const (
	OutcomeSent            ReminderOutcome = "sent"
	OutcomeActionConfirmed ReminderOutcome = "action_confirmed"
	OutcomeActionDeclined  ReminderOutcome = "action_declined"
	OutcomeNoResponse      ReminderOutcome = "no_response"
)

// ReminderStageCount is the number of reminder stages after a confirmation.
const ReminderStageCount = 3

// ReminderRecord is the append-only audit entry for one (session, stage).
type ReminderRecord struct {
	SessionID string          `json:"session_id"`
	Stage     int             `json:"stage"`
	Timestamp time.Time       `json:"timestamp"`
	Outcome   ReminderOutcome `json:"outcome"`
	Reason    string          `json:"reason,omitempty"`
}

// Channel names a notification transport.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelReminder Channel = "reminder"
)

// CommunicationLogEntry is one physical send attempt, successful or not.
type CommunicationLogEntry struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id,omitempty"`
	Channel        Channel   `json:"channel"`
	Recipient      string    `json:"recipient"`
	Template       string    `json:"template"`
	PayloadSummary string    `json:"payload_summary"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
