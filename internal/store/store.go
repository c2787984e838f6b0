// Package store provides storage backends for BookingPipe.
//
// It defines the repository interfaces consumed by the booking components and
// implements them in memory, on SQLite and on PostgreSQL. Durable jobs, inbound
// message deduplication and per-slot locks live here too.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// SessionStore persists booking sessions. SaveSession is a compare-and-swap on
// the session revision: it fails with models.ErrStaleSession when another writer
// saved first, and increments Revision on success.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	SaveSession(ctx context.Context, s *models.Session) error
	ListSessionsByStage(ctx context.Context, stages ...models.Stage) ([]*models.Session, error)
}

// PatientRepository is the system of record for patients. Lookups return
// (nil, nil) when no record matches.
type PatientRepository interface {
	FindByIdentity(ctx context.Context, normalizedName, dob string) (*models.Patient, error)
	FindByID(ctx context.Context, id string) (*models.Patient, error)
	UpsertPatient(ctx context.Context, p *models.Patient) error
}

// SlotRepository stores native schedule slots. SetSlotStatus only writes when
// the current status equals expected; otherwise it returns models.ErrConflict.
type SlotRepository interface {
	ListAvailable(ctx context.Context, filter models.SlotFilter) ([]models.Slot, error)
	GetSlot(ctx context.Context, key models.SlotKey) (*models.Slot, error)
	SetSlotStatus(ctx context.Context, key models.SlotKey, expected, next models.SlotStatus) error
	PutSlot(ctx context.Context, slot models.Slot) error
}

// ConfirmationStore records bookings. Reserve flips every key Available to
// Booked and inserts the confirmation in one transaction; nothing is written
// unless all of it commits.
type ConfirmationStore interface {
	Reserve(ctx context.Context, keys []models.SlotKey, c *models.Confirmation) error
	ActiveConfirmationFor(ctx context.Context, sessionID string) (*models.Confirmation, error)
	GetConfirmation(ctx context.Context, id string) (*models.Confirmation, error)
	CountActiveForSlot(ctx context.Context, key models.SlotKey) (int, error)
	CancelConfirmation(ctx context.Context, id, reason string, at time.Time) (*models.Confirmation, error)
	ListConfirmations(ctx context.Context) ([]models.Confirmation, error)
}

// ReminderLog is the append-only reminder audit trail. Appending a second
// record for the same (session, stage) returns models.ErrConflict.
type ReminderLog interface {
	AppendReminderRecord(ctx context.Context, r models.ReminderRecord) error
	ListReminderRecords(ctx context.Context, sessionID string) ([]models.ReminderRecord, error)
}

// CommunicationLog is the append-only record of every send attempt.
type CommunicationLog interface {
	AppendCommunicationLog(ctx context.Context, e models.CommunicationLogEntry) error
	ListCommunicationLog(ctx context.Context, sessionID string) ([]models.CommunicationLogEntry, error)
}

// Store aggregates every repository a BookingPipe process needs.
type Store interface {
	SessionStore
	PatientRepository
	SlotRepository
	ConfirmationStore
	ReminderLog
	CommunicationLog
	JobRepo
	DedupRepo
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value DSNs and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the backend selected by the DSN: in-memory when empty, PostgreSQL
// for Postgres DSNs and SQLite otherwise.
func Open(dsn string) (Store, error) {
	switch {
	case strings.TrimSpace(dsn) == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
