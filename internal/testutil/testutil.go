// Package testutil provides shared fixtures for BookingPipe tests: a seeded
// patient and schedule, seeded stores, and the collaborators a booking session
// needs wired to in-memory senders.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/BookingPipe/internal/booking"
	"github.com/BTreeMap/BookingPipe/internal/extract"
	"github.com/BTreeMap/BookingPipe/internal/messaging"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/patient"
	"github.com/BTreeMap/BookingPipe/internal/reminder"
	"github.com/BTreeMap/BookingPipe/internal/slots"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/twiliosms"
)

// Seed has one returning patient and a Monday morning for Dr. Smith in
// 30-minute slots from 09:00 to 12:00.
const Seed = `
patients:
  - id: pat_john
    name: John Doe
    dob: 1985-02-14
    email: john@example.com
    phone: "+15551234567"
schedule:
  - provider: Dr. Smith
    location: Downtown Clinic
    date: 2025-03-03
    start: "09:00"
    end: "12:00"
    granularity: 30
`

// Values from Seed that tests refer to.
const (
	ReturningName = "John Doe"
	ReturningDOB  = "1985-02-14"
	Provider      = "Dr. Smith"
	// IntakePhone is the phone number IntakeMessages gives, canonicalised.
	IntakePhone = "+15559876543"
)

// IntakeMessages returns the patient messages that take a session from
// Greeting to the slot offer.
func IntakeMessages(identity, prefs string) []string {
	return []string{
		"hi",
		identity,
		prefs,
		"Acme Health, AC123, G-42",
		"jane@example.com, +1 555 987 6543",
	}
}

// ApplySeed loads Seed into target.
func ApplySeed(t *testing.T, target store.Store) {
	t.Helper()
	seed, err := store.ParseSeed([]byte(Seed))
	if err != nil {
		t.Fatalf("ParseSeed failed: %v", err)
	}
	if err := seed.Apply(context.Background(), target); err != nil {
		t.Fatalf("Apply seed failed: %v", err)
	}
}

// NewStore returns a seeded in-memory store.
func NewStore(t *testing.T) *store.InMemoryStore {
	t.Helper()
	s := store.NewInMemoryStore()
	ApplySeed(t, s)
	return s
}

// NewSQLiteStore returns a seeded SQLite store in a temp dir, closed on cleanup.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ApplySeed(t, s)
	return s
}

// Collaborators are the components a booking session calls, wired for tests:
// email goes to a stub and SMS and reminders go to one Twilio mock.
type Collaborators struct {
	SMS        *twiliosms.MockClient
	Dispatcher *messaging.Dispatcher
	Recorder   *booking.Recorder
	Slots      *slots.Scheduler
	Resolver   *patient.Resolver
	Extractor  extract.Extractor
	Reminders  *reminder.Scheduler
}

// NewCollaborators wires Collaborators over st.
func NewCollaborators(st store.Store) Collaborators {
	sms := twiliosms.NewMockClient()
	text := messaging.NewTextSender("sms", sms)
	dispatcher := messaging.NewDispatcher(st,
		messaging.WithSender(models.ChannelEmail, messaging.StubEmailSender{}),
		messaging.WithSender(models.ChannelSMS, text),
		messaging.WithSender(models.ChannelReminder, text),
	)
	recorder := booking.NewRecorder(st, store.NewLocalLocker())
	return Collaborators{
		SMS:        sms,
		Dispatcher: dispatcher,
		Recorder:   recorder,
		Slots:      slots.NewScheduler(st),
		Resolver:   patient.NewResolver(st),
		Extractor:  extract.NewDelimitedExtractor(),
		Reminders:  reminder.NewScheduler(st, dispatcher, recorder),
	}
}

// APIEnvelope mirrors models.APIResponse with the result left raw.
type APIEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// DecodeEnvelope decodes a JSON API response and checks its status field.
func DecodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) APIEnvelope {
	t.Helper()
	var env APIEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
	if env.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, env.Status, env.Message)
	}
	return env
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
