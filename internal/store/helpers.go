package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// utc normalizes timestamps before they are written so SQLite's text
// comparisons on DATETIME columns stay chronological.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var sessionID, payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	var status string
	err := row.Scan(
		&j.ID, &j.Kind, &sessionID, &j.RunAt, &payloadJSON, &status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.Status = JobStatus(status)
	j.SessionID = sessionID.String
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	return j, nil
}

// scanPatient scans a patient row, returning (nil, nil) when no row matched.
func scanPatient(row *sql.Row) (*models.Patient, error) {
	var p models.Patient
	var email, phone, carrier, member, group sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.DOB, &email, &phone, &carrier, &member, &group, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan patient: %w", err)
	}
	p.Email = email.String
	p.Phone = phone.String
	p.Insurance = models.Insurance{Carrier: carrier.String, MemberID: member.String, GroupNumber: group.String}
	p.Classification = models.ClassificationReturning
	return &p, nil
}
