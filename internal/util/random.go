// Package util provides ID generation and environment helpers for BookingPipe.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// ID prefixes for records that are exposed through the API.
const (
	SessionIDPrefix      = "ses_"
	ConfirmationIDPrefix = "cnf_"
	PatientIDPrefix      = "pat_"
	LogEntryIDPrefix     = "com_"
	JobIDPrefix          = "job_"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// NewUUIDWithPrefix returns prefix followed by a random (v4) UUID without dashes.
func NewUUIDWithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateSessionID generates a unique booking session ID.
func GenerateSessionID() string {
	return NewUUIDWithPrefix(SessionIDPrefix)
}

// GenerateConfirmationID generates a unique confirmation ID.
func GenerateConfirmationID() string {
	return NewUUIDWithPrefix(ConfirmationIDPrefix)
}

// GeneratePatientID generates a unique patient ID.
func GeneratePatientID() string {
	return NewUUIDWithPrefix(PatientIDPrefix)
}

// GenerateLogEntryID generates a unique communication log entry ID.
func GenerateLogEntryID() string {
	return NewUUIDWithPrefix(LogEntryIDPrefix)
}
