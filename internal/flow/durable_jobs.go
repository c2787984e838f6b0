package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

// Job kinds driving the time-based parts of a session.
const (
	JobKindReminderStage   = "reminder_stage"
	JobKindReminderTimeout = "reminder_timeout"
	JobKindStageTimeout    = "stage_timeout"
)

// ReminderPayload is the JSON payload for reminder_stage and reminder_timeout jobs.
type ReminderPayload struct {
	SessionID string `json:"session_id"`
	Stage     int    `json:"stage"`
}

// StageTimeoutPayload is the JSON payload for stage_timeout jobs.
type StageTimeoutPayload struct {
	SessionID string       `json:"session_id"`
	Stage     models.Stage `json:"stage"`
	Revision  int64        `json:"revision"`
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Payloads are plain structs of strings and ints.
		panic(fmt.Sprintf("flow: marshal job payload: %v", err))
	}
	return string(b)
}

func (o *Orchestrator) reminderJob(sessionID string, stage int) store.EnqueueRequest {
	return o.reminderJobAt(sessionID, stage, o.now().Add(o.cfg.ReminderDelay))
}

func (o *Orchestrator) reminderJobAt(sessionID string, stage int, runAt time.Time) store.EnqueueRequest {
	return store.EnqueueRequest{
		Kind:        JobKindReminderStage,
		SessionID:   sessionID,
		RunAt:       runAt,
		PayloadJSON: mustJSON(ReminderPayload{SessionID: sessionID, Stage: stage}),
		DedupeKey:   fmt.Sprintf("%s:%s:%d", sessionID, JobKindReminderStage, stage),
	}
}

func (o *Orchestrator) timeoutJob(sessionID string, stage int) store.EnqueueRequest {
	return o.timeoutJobAt(sessionID, stage, o.now().Add(o.cfg.ResponseTimeout))
}

func (o *Orchestrator) timeoutJobAt(sessionID string, stage int, runAt time.Time) store.EnqueueRequest {
	return store.EnqueueRequest{
		Kind:        JobKindReminderTimeout,
		SessionID:   sessionID,
		RunAt:       runAt,
		PayloadJSON: mustJSON(ReminderPayload{SessionID: sessionID, Stage: stage}),
		DedupeKey:   fmt.Sprintf("%s:%s:%d", sessionID, JobKindReminderTimeout, stage),
	}
}

// awaitsPatient reports whether a stage times out when the patient goes quiet.
func awaitsPatient(s models.Stage) bool {
	return s.Index() <= models.StageConfirming.Index() && !s.IsTerminal()
}

// scheduleStageTimeout enqueues an idle timeout for the session's current
// revision; any later save makes it stale.
func (o *Orchestrator) scheduleStageTimeout(ctx context.Context, sess *models.Session) {
	if o.cfg.StageTimeout <= 0 || sess.Abandoned || !awaitsPatient(sess.Stage) {
		return
	}
	req := store.EnqueueRequest{
		Kind:        JobKindStageTimeout,
		SessionID:   sess.ID,
		RunAt:       o.now().Add(o.cfg.StageTimeout),
		PayloadJSON: mustJSON(StageTimeoutPayload{SessionID: sess.ID, Stage: sess.Stage, Revision: sess.Revision}),
		DedupeKey:   fmt.Sprintf("%s:%s:%s:%d", sess.ID, JobKindStageTimeout, sess.Stage, sess.Revision),
	}
	if _, err := o.repo.EnqueueJob(ctx, req); err != nil {
		slog.Error("Orchestrator.scheduleStageTimeout: enqueue failed", "sessionID", sess.ID, "error", err)
	}
}

// RegisterJobHandlers registers the session job handlers with runner.
func RegisterJobHandlers(runner *store.JobRunner, o *Orchestrator) {
	runner.RegisterHandler(JobKindReminderStage, o.instrument(JobKindReminderStage, o.makeReminderHandler(TriggerReminderDue)))
	runner.RegisterHandler(JobKindReminderTimeout, o.instrument(JobKindReminderTimeout, o.makeReminderHandler(TriggerResponseTimeout)))
	runner.RegisterHandler(JobKindStageTimeout, o.instrument(JobKindStageTimeout, o.makeStageTimeoutHandler()))
}

// jobObserver is implemented by observers that also count job executions.
type jobObserver interface {
	ObserveJob(kind string, success bool)
}

func (o *Orchestrator) instrument(kind string, h store.JobHandler) store.JobHandler {
	jo, ok := o.observer.(jobObserver)
	if !ok {
		return h
	}
	return func(ctx context.Context, payload string) error {
		err := h(ctx, payload)
		jo.ObserveJob(kind, err == nil)
		return err
	}
}

// settled reports errors that mean the job has nothing left to do.
func settled(err error) bool {
	return errors.Is(err, models.ErrSessionTerminal) ||
		errors.Is(err, models.ErrSessionAbandoned) ||
		errors.Is(err, models.ErrSessionNotFound)
}

func (o *Orchestrator) makeReminderHandler(trigger Trigger) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p ReminderPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", trigger, err)
		}
		slog.Info("JobHandler.reminder: executing", "sessionID", p.SessionID, "trigger", trigger, "stage", p.Stage)
		_, err := o.Advance(ctx, p.SessionID, Input{Trigger: trigger, Stage: p.Stage})
		if settled(err) {
			slog.Debug("JobHandler.reminder: session settled, skipping", "sessionID", p.SessionID, "error", err)
			return nil
		}
		return err
	}
}

func (o *Orchestrator) makeStageTimeoutHandler() store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p StageTimeoutPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid stage_timeout payload: %w", err)
		}
		err := o.HandleStageTimeout(ctx, p.SessionID, p.Stage, p.Revision)
		if settled(err) {
			return nil
		}
		return err
	}
}

// RecoverState re-enqueues the jobs every live session needs after a restart.
// Dedupe keys make it safe to run while jobs are still queued.
func (o *Orchestrator) RecoverState(ctx context.Context) error {
	sessions, err := o.repo.ListSessionsByStage(ctx,
		models.StageGreeting, models.StageLookup, models.StagePreferences, models.StageInsurance,
		models.StageContact, models.StageScheduling, models.StageConfirming,
		models.StageReminder1, models.StageReminder2, models.StageReminder3)
	if err != nil {
		return fmt.Errorf("list live sessions: %w", err)
	}
	now := o.now()
	resumed := 0
	for _, s := range sessions {
		if s.Abandoned {
			continue
		}
		n := s.Stage.ReminderNumber()
		if n == 0 {
			o.scheduleStageTimeout(ctx, s)
			continue
		}
		var req store.EnqueueRequest
		if s.Awaiting {
			req = o.timeoutJobAt(s.ID, n, later(now, s.UpdatedAt.Add(o.cfg.ResponseTimeout)))
		} else {
			req = o.reminderJobAt(s.ID, n, later(now, s.StageEnteredAt.Add(o.cfg.ReminderDelay)))
		}
		if _, err := o.repo.EnqueueJob(ctx, req); err != nil {
			return fmt.Errorf("resume session %s: %w", s.ID, err)
		}
		resumed++
	}
	slog.Info("Orchestrator.RecoverState: sessions resumed", "live", len(sessions), "reminders", resumed)
	return nil
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
