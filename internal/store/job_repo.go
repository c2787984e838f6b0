// Package store provides the JobRepo interface and model for durable job scheduling.
package store

import (
	"context"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts applies when an EnqueueRequest leaves MaxAttempts unset.
const DefaultJobMaxAttempts = 3

// Job is a durable deferred task, such as a reminder stage or a response timeout.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	SessionID   string     `json:"session_id,omitempty"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	DedupeKey   string     `json:"dedupe_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EnqueueRequest describes a job to schedule.
type EnqueueRequest struct {
	Kind        string
	SessionID   string
	RunAt       time.Time
	PayloadJSON string
	// DedupeKey suppresses a second non-terminal job with the same key.
	DedupeKey   string
	MaxAttempts int
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If DedupeKey is non-empty and a non-terminal
	// job with that key already exists, the existing job ID is returned.
	EnqueueJob(ctx context.Context, req EnqueueRequest) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running
	// and returns them.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)

	CompleteJob(ctx context.Context, id string) error

	// FailJob stores the error and reschedules for nextRunAt while attempts
	// remain; otherwise the job is marked failed permanently.
	FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error

	CancelJob(ctx context.Context, id string) error

	// CancelSessionJobs cancels every queued job belonging to a session.
	CancelSessionJobs(ctx context.Context, sessionID string) (int, error)

	// RequeueStaleRunningJobs resets jobs that have been running since before
	// staleBefore back to queued status (crash recovery).
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)

	// GetJob returns (nil, nil) when the job does not exist.
	GetJob(ctx context.Context, id string) (*Job, error)

	ListSessionJobs(ctx context.Context, sessionID string) ([]Job, error)
}
