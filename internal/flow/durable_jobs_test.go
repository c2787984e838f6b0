package flow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

func TestReminderHandlerRejectsBadPayload(t *testing.T) {
	h := newHarness(t)
	handler := h.orch.makeReminderHandler(TriggerReminderDue)
	if err := handler(context.Background(), "{not json"); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestReminderHandlerSkipsSettledSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handler := h.orch.makeReminderHandler(TriggerReminderDue)

	missing := mustJSON(ReminderPayload{SessionID: "ses_missing", Stage: 1})
	if err := handler(ctx, missing); err != nil {
		t.Errorf("missing session should settle the job, got %v", err)
	}

	id := h.start(t)
	if err := h.orch.Abandon(ctx, id); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	if err := handler(ctx, mustJSON(ReminderPayload{SessionID: id, Stage: 1})); err != nil {
		t.Errorf("abandoned session should settle the job, got %v", err)
	}
}

func TestBookingEnqueuesFirstReminder(t *testing.T) {
	h := newHarness(t, WithReminderDelay(0))
	ctx := context.Background()
	id, _ := h.intake(t, "John Doe, 1985-02-14", "any")
	h.say(t, id, "1")

	jobs, err := h.store.ListSessionJobs(ctx, id)
	if err != nil {
		t.Fatalf("ListSessionJobs failed: %v", err)
	}
	var found *store.Job
	for i := range jobs {
		if jobs[i].Kind == JobKindReminderStage {
			found = &jobs[i]
		}
	}
	if found == nil {
		t.Fatal("expected a reminder_stage job")
	}
	var p ReminderPayload
	if err := json.Unmarshal([]byte(found.PayloadJSON), &p); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if p.SessionID != id || p.Stage != 1 {
		t.Errorf("unexpected payload %+v", p)
	}
	if found.DedupeKey != id+":reminder_stage:1" {
		t.Errorf("dedupe key = %q", found.DedupeKey)
	}
}

func TestReminderStageResumesFromExistingRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, _ := h.intake(t, "John Doe, 1985-02-14", "any")
	h.say(t, id, "1")

	// A stage-1 record written elsewhere makes Begin resume rather than resend.
	if err := h.store.AppendReminderRecord(ctx, models.ReminderRecord{SessionID: id, Stage: 1, Outcome: models.OutcomeSent}); err != nil {
		t.Fatalf("AppendReminderRecord failed: %v", err)
	}
	h.fireDue(t)
	s := h.session(t, id)
	if s.Stage != models.StageReminder2 || len(s.Reminders) != 1 {
		t.Fatalf("expected resumed stage 1, got %s with %d reminders", s.Stage, len(s.Reminders))
	}
	if got := len(h.records(t, id)); got != 1 {
		t.Errorf("expected one stage-1 record, got %d", got)
	}
}

func TestStageTimeoutPayloadCarriesRevision(t *testing.T) {
	h := newHarness(t, WithStageTimeout(DefaultStageTimeout))
	ctx := context.Background()
	id := h.start(t)
	h.say(t, id, "hi")

	jobs, _ := h.store.ListSessionJobs(ctx, id)
	revisions := map[int64]bool{}
	for _, j := range jobs {
		if j.Kind != JobKindStageTimeout {
			continue
		}
		var p StageTimeoutPayload
		if err := json.Unmarshal([]byte(j.PayloadJSON), &p); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		revisions[p.Revision] = true
	}
	if !revisions[0] || !revisions[1] {
		t.Errorf("expected timeouts for revisions 0 and 1, got %v", revisions)
	}
}
