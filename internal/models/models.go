// Package models defines the core data structures for BookingPipe.
//
// It includes the booking session record, patients, slots, confirmations, reminder
// records and the communication audit log, which are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

// Error variables shared by every component. Callers classify outcomes with errors.Is.
var (
	// ErrParseFailure means required fields could not be extracted from user text.
	ErrParseFailure = errors.New("could not parse input")
	// ErrNotFound means no matching patient, slot or record exists.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a compare-and-swap lost a race (slot already booked).
	ErrConflict = errors.New("conflict")
	// ErrTransportFailure means a channel sender failed to deliver a message.
	ErrTransportFailure = errors.New("transport failure")
	// ErrIntegrity means persisted state contradicts an expected invariant.
	ErrIntegrity = errors.New("integrity failure")

	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionTerminal  = errors.New("session is terminal")
	ErrSessionAbandoned = errors.New("session was abandoned")
	ErrStaleSession     = errors.New("session was modified concurrently")
)

// Classification is derived solely from presence in the patient repository.
type Classification string

const (
	ClassificationNew       Classification = "new"
	ClassificationReturning Classification = "returning"
)

// Appointment lengths in minutes by classification.
const (
	NewPatientMinutes       = 60
	ReturningPatientMinutes = 30
)

// AppointmentMinutes returns the appointment duration for the classification, or 0 if unknown.
func (c Classification) AppointmentMinutes() int {
	switch c {
	case ClassificationNew:
		return NewPatientMinutes
	case ClassificationReturning:
		return ReturningPatientMinutes
	default:
		return 0
	}
}

// IsValid reports whether c is a known classification.
func (c Classification) IsValid() bool {
	return c == ClassificationNew || c == ClassificationReturning
}

// Insurance holds the patient's coverage details.
type Insurance struct {
	Carrier     string `json:"carrier,omitempty" yaml:"carrier"`
	MemberID    string `json:"member_id,omitempty" yaml:"member_id"`
	GroupNumber string `json:"group_number,omitempty" yaml:"group_number"`
}

// Contact holds the channels used to reach a patient.
type Contact struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Patient is the repository record for one person.
type Patient struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	DOB            string         `json:"dob"` // YYYY-MM-DD
	Email          string         `json:"email,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	Insurance      Insurance      `json:"insurance"`
	Classification Classification `json:"classification,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NormalizeName lower-cases a name and strips whitespace and punctuation, so
// "John  Doe" and "JOHN-DOE" share the key "johndoe".
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates input was accepted and the session advanced.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Accepted creates a response for input that advanced a session.
func Accepted(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusAccepted).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}
