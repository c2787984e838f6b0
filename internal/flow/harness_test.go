package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/testutil"
	"github.com/BTreeMap/BookingPipe/internal/twiliosms"
)

type harness struct {
	store  store.Store
	sms    *twiliosms.MockClient
	orch   *Orchestrator
	runner *store.JobRunner
	obs    *recordingObserver
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	failures    []models.FailureKind
}

func (r *recordingObserver) ObserveTransition(from, to models.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, string(from)+">"+string(to))
}

func (r *recordingObserver) ObserveFailure(stage models.Stage, kind models.FailureKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, kind)
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithStore(t, testutil.NewStore(t), opts...)
}

// newHarnessWithStore wires an orchestrator over a store that already holds testutil.Seed.
func newHarnessWithStore(t *testing.T, st store.Store, opts ...Option) *harness {
	t.Helper()
	c := testutil.NewCollaborators(st)
	obs := &recordingObserver{}

	base := []Option{WithStageTimeout(0), WithObserver(obs)}
	orch, err := NewOrchestrator(Deps{
		Sessions:  st,
		Extractor: c.Extractor,
		Resolver:  c.Resolver,
		Slots:     c.Slots,
		Booker:    c.Recorder,
		Notifier:  c.Dispatcher,
		Reminders: c.Reminders,
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	runner := store.NewJobRunner(st, time.Second)
	RegisterJobHandlers(runner, orch)
	return &harness{store: st, sms: c.SMS, orch: orch, runner: runner, obs: obs}
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	res, err := h.orch.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return res.SessionID
}

func (h *harness) say(t *testing.T, id, text string) Result {
	t.Helper()
	res, err := h.orch.Advance(context.Background(), id, Input{Text: text})
	if err != nil {
		t.Fatalf("Advance(%q) failed: %v", text, err)
	}
	return res
}

// intake drives a session from Greeting to the slot offer.
func (h *harness) intake(t *testing.T, identity, prefs string) (string, Result) {
	t.Helper()
	id := h.start(t)
	var res Result
	for _, text := range testutil.IntakeMessages(identity, prefs) {
		res = h.say(t, id, text)
	}
	return id, res
}

// fireDue runs every job due within the next three days.
func (h *harness) fireDue(t *testing.T) int {
	t.Helper()
	return h.runner.RunOnce(context.Background(), time.Now().Add(72*time.Hour))
}

func (h *harness) session(t *testing.T, id string) *models.Session {
	t.Helper()
	sess, err := h.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	return sess
}

func (h *harness) records(t *testing.T, id string) []models.ReminderRecord {
	t.Helper()
	recs, err := h.store.ListReminderRecords(context.Background(), id)
	if err != nil {
		t.Fatalf("ListReminderRecords failed: %v", err)
	}
	return recs
}
