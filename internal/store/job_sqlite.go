package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/util"
)

// Compile-time check that SQLiteStore implements JobRepo.
var _ JobRepo = (*SQLiteStore)(nil)

const jobColumns = `id, kind, session_id, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func (s *sqlStore) EnqueueJob(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.DedupeKey != "" {
		var existingID string
		err := s.db.QueryRowContext(ctx, s.q(
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled', 'failed')`),
			req.DedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueJob: dedupe hit", "dedupeKey", req.DedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultJobMaxAttempts
	}
	id := util.GenerateRandomID(util.JobIDPrefix, 32)
	now := utc(time.Now())
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO jobs (id, kind, session_id, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`),
		id, req.Kind, nilIfEmpty(req.SessionID), utc(req.RunAt), req.PayloadJSON, maxAttempts, nilIfEmpty(req.DedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueJob", "id", id, "kind", req.Kind, "sessionID", req.SessionID, "runAt", req.RunAt)
	return id, nil
}

// ClaimDueJobs selects and marks jobs inside one transaction; SQLite serializes
// writers, so no row-level locking is needed.
func (s *SQLiteStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		utc(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}

	lockedAt := utc(now)
	for i := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
			lockedAt, lockedAt, jobs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		jobs[i].Status = JobStatusRunning
		jobs[i].LockedAt = &lockedAt
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due jobs commit failed: %w", err)
	}
	return jobs, nil
}

func (s *sqlStore) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`), utc(time.Now()), id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	now := utc(time.Now())

	var attempt, maxAttempts int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`), id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempt++
	if attempt >= maxAttempts {
		_, err = s.db.ExecContext(ctx, s.q(
			`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
			attempt, errMsg, now, id,
		)
	} else {
		_, err = s.db.ExecContext(ctx, s.q(
			`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
			attempt, errMsg, utc(nextRunAt), now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *sqlStore) CancelJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`), utc(time.Now()), id)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) CancelSessionJobs(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE session_id = ? AND status = 'queued'`),
		utc(time.Now()), sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel session jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, s.q(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`),
		utc(time.Now()), utc(staleBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *sqlStore) ListSessionJobs(ctx context.Context, sessionID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE session_id = ? ORDER BY created_at ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session jobs failed: %w", err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
