package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/extract"
	"github.com/BTreeMap/BookingPipe/internal/messaging"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/patient"
	"github.com/BTreeMap/BookingPipe/internal/reminder"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/util"
)

// Default orchestration limits.
const (
	DefaultMaxStageAttempts = 3
	DefaultMaxSlotRetries   = 2
	DefaultOfferLimit       = 5
	DefaultReminderDelay    = 24 * time.Hour
	DefaultResponseTimeout  = 24 * time.Hour
	DefaultStageTimeout     = 15 * time.Minute
)

// Repository is the persistence the orchestrator needs.
type Repository interface {
	store.SessionStore
	store.JobRepo
}

// PatientResolver is satisfied by *patient.Resolver.
type PatientResolver interface {
	Resolve(ctx context.Context, nameOrID, dob string) (patient.Resolution, error)
}

// SlotFinder is satisfied by *slots.Scheduler.
type SlotFinder interface {
	FindSlots(ctx context.Context, providerPref, locationPref string, classification models.Classification) ([]models.Slot, error)
}

// Booker is satisfied by *booking.Recorder.
type Booker interface {
	Confirm(ctx context.Context, sess *models.Session, slot models.Slot) (models.Confirmation, error)
}

// ReminderStages is satisfied by *reminder.Scheduler.
type ReminderStages interface {
	Begin(ctx context.Context, sess *models.Session, stage int) (reminder.Outcome, error)
	Respond(ctx context.Context, sess *models.Session, stage int, text string) (reminder.Outcome, error)
	Timeout(ctx context.Context, sess *models.Session, stage int) (reminder.Outcome, error)
}

// Observer is told about transitions and failures. metrics.Metrics implements it.
type Observer interface {
	ObserveTransition(from, to models.Stage)
	ObserveFailure(stage models.Stage, kind models.FailureKind)
}

// Deps are the collaborators of an Orchestrator. All are required.
type Deps struct {
	Sessions  Repository
	Extractor extract.Extractor
	Resolver  PatientResolver
	Slots     SlotFinder
	Booker    Booker
	Notifier  reminder.Notifier
	Reminders ReminderStages
}

// Opts configures an Orchestrator.
type Opts struct {
	MaxStageAttempts    int
	MaxSlotRetries      int
	OfferLimit          int
	ReminderDelay       time.Duration
	ResponseTimeout     time.Duration
	StageTimeout        time.Duration
	Policy              ConfirmationPolicy
	ConfirmationChannel models.Channel
	Locker              store.Locker
	Observer            Observer
}

// Option defines a configuration option for the Orchestrator.
type Option func(*Opts)

// WithMaxStageAttempts bounds Recoverable re-prompts per stage.
func WithMaxStageAttempts(n int) Option {
	return func(o *Opts) { o.MaxStageAttempts = n }
}

// WithMaxSlotRetries bounds empty slot searches before the session fails.
func WithMaxSlotRetries(n int) Option {
	return func(o *Opts) { o.MaxSlotRetries = n }
}

// WithOfferLimit caps how many slots are offered at once.
func WithOfferLimit(n int) Option {
	return func(o *Opts) { o.OfferLimit = n }
}

// WithReminderDelay sets the delay before each reminder stage.
func WithReminderDelay(d time.Duration) Option {
	return func(o *Opts) { o.ReminderDelay = d }
}

// WithResponseTimeout sets how long a reminder waits for a reply.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ResponseTimeout = d }
}

// WithStageTimeout sets the idle time before a pre-booking stage re-prompts. Zero disables it.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Opts) { o.StageTimeout = d }
}

// WithConfirmationPolicy decides whether a failed confirmation send is Fatal.
func WithConfirmationPolicy(p ConfirmationPolicy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithConfirmationChannel sets the channel of the mandatory confirmation send.
func WithConfirmationChannel(ch models.Channel) Option {
	return func(o *Opts) { o.ConfirmationChannel = ch }
}

// WithLocker replaces the in-process per-session lock.
func WithLocker(l store.Locker) Option {
	return func(o *Opts) { o.Locker = l }
}

// WithObserver registers a transition observer.
func WithObserver(obs Observer) Option {
	return func(o *Opts) { o.Observer = obs }
}

// Orchestrator advances booking sessions. It holds no session state itself:
// every call loads the session, applies one input under a per-session lock and
// saves it with a revision check.
type Orchestrator struct {
	repo      Repository
	extractor extract.Extractor
	resolver  PatientResolver
	slots     SlotFinder
	booker    Booker
	notifier  reminder.Notifier
	reminders ReminderStages
	locker    store.Locker
	observer  Observer
	cfg       Opts
	now       func() time.Time
}

// NewOrchestrator validates deps and applies options.
func NewOrchestrator(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("flow: session repository is required")
	case deps.Extractor == nil:
		return nil, errors.New("flow: extractor is required")
	case deps.Resolver == nil:
		return nil, errors.New("flow: patient resolver is required")
	case deps.Slots == nil:
		return nil, errors.New("flow: slot finder is required")
	case deps.Booker == nil:
		return nil, errors.New("flow: booker is required")
	case deps.Notifier == nil:
		return nil, errors.New("flow: notifier is required")
	case deps.Reminders == nil:
		return nil, errors.New("flow: reminder scheduler is required")
	}
	cfg := Opts{
		MaxStageAttempts:    DefaultMaxStageAttempts,
		MaxSlotRetries:      DefaultMaxSlotRetries,
		OfferLimit:          DefaultOfferLimit,
		ReminderDelay:       DefaultReminderDelay,
		ResponseTimeout:     DefaultResponseTimeout,
		StageTimeout:        DefaultStageTimeout,
		Policy:              PolicyBestEffort,
		ConfirmationChannel: models.ChannelSMS,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locker == nil {
		cfg.Locker = store.NewLocalLocker()
	}
	slog.Debug("NewOrchestrator: configured", "reminderDelay", cfg.ReminderDelay, "responseTimeout", cfg.ResponseTimeout,
		"stageTimeout", cfg.StageTimeout, "policy", cfg.Policy)
	return &Orchestrator{
		repo:      deps.Sessions,
		extractor: deps.Extractor,
		resolver:  deps.Resolver,
		slots:     deps.Slots,
		booker:    deps.Booker,
		notifier:  deps.Notifier,
		reminders: deps.Reminders,
		locker:    cfg.Locker,
		observer:  cfg.Observer,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// turn carries one Advance call's mutations and deferred side effects.
type turn struct {
	sess  *models.Session
	jobs  []store.EnqueueRequest
	retry bool
}

type stepKind int

const (
	stepStay    stepKind = iota // waiting for input
	stepAdvance                 // Success
	stepRetry                   // Recoverable
	stepFail                    // Fatal
	stepIgnore                  // input does not apply; nothing changes
)

type step struct {
	kind     stepKind
	prompt   string
	counted  bool
	failKind models.FailureKind
	reason   string
}

// abortError stops a turn without saving so a durable job can retry it.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

func sessionLockKey(id string) string { return "session:" + id }

// Start creates a session at Greeting.
func (o *Orchestrator) Start(ctx context.Context) (Result, error) {
	now := o.now()
	sess := &models.Session{
		ID:             util.GenerateSessionID(),
		Stage:          models.StageGreeting,
		Attempts:       map[models.Stage]int{},
		StageEnteredAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	o.say(sess, promptGreeting)
	if err := o.repo.CreateSession(ctx, sess); err != nil {
		return Result{}, fmt.Errorf("create session: %w", err)
	}
	o.scheduleStageTimeout(ctx, sess)
	slog.Info("Orchestrator.Start: session created", "sessionID", sess.ID)
	return o.result(sess, false), nil
}

// Get returns a read-only snapshot.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (Result, error) {
	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	return o.result(sess, false), nil
}

// Advance applies one input to a session and returns the new snapshot.
func (o *Orchestrator) Advance(ctx context.Context, sessionID string, in Input) (Result, error) {
	unlock, err := o.locker.Lock(ctx, sessionLockKey(sessionID))
	if err != nil {
		return Result{}, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer unlock()

	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if sess.Abandoned {
		return o.result(sess, false), fmt.Errorf("%w: %s", models.ErrSessionAbandoned, sessionID)
	}
	if sess.Terminal() {
		return o.result(sess, false), fmt.Errorf("%w: %s is %s", models.ErrSessionTerminal, sessionID, sess.Stage)
	}
	if in.Trigger != "" && !triggerApplies(sess, in) {
		slog.Debug("Orchestrator.Advance: stale trigger ignored", "sessionID", sessionID, "trigger", in.Trigger, "stage", sess.Stage)
		return o.result(sess, false), nil
	}
	if sess.Attempts == nil {
		sess.Attempts = map[models.Stage]int{}
	}
	if text := strings.TrimSpace(in.Text); text != "" {
		sess.Transcript = append(sess.Transcript, models.TranscriptEntry{Role: "patient", Stage: sess.Stage, Text: text, At: o.now()})
	}

	t := &turn{sess: sess}
	if err := o.run(ctx, t, in); err != nil {
		return Result{}, err
	}
	if err := o.save(ctx, t); err != nil {
		return Result{}, err
	}
	return o.result(sess, t.retry), nil
}

func triggerApplies(s *models.Session, in Input) bool {
	if s.Stage.ReminderNumber() != in.Stage {
		return false
	}
	switch in.Trigger {
	case TriggerReminderDue:
		return !s.Awaiting
	case TriggerResponseTimeout:
		return s.Awaiting
	default:
		return false
	}
}

// run applies the input and chains stages that need no patient input.
func (o *Orchestrator) run(ctx context.Context, t *turn, in Input) error {
	for {
		from := t.sess.Stage
		st, err := o.dispatch(ctx, t, in)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var abort *abortError
		if errors.As(err, &abort) {
			slog.Warn("Orchestrator.run: turn aborted", "sessionID", t.sess.ID, "stage", from, "error", abort.err)
			return abort.err
		}
		if err != nil {
			st = o.recoverOrFail(t.sess, err)
		}
		o.apply(t, from, st)
		if st.kind != stepAdvance || !chained(t.sess.Stage) {
			return nil
		}
		in = Input{Trigger: triggerEnter}
	}
}

func chained(s models.Stage) bool {
	return s == models.StageScheduling || s == models.StageConfirming || s == models.StageCommunicating
}

func (o *Orchestrator) dispatch(ctx context.Context, t *turn, in Input) (step, error) {
	switch t.sess.Stage {
	case models.StageGreeting:
		return step{kind: stepAdvance, prompt: promptLookup}, nil
	case models.StageLookup:
		return o.lookup(ctx, t, in)
	case models.StagePreferences:
		return o.preferences(ctx, t, in)
	case models.StageInsurance:
		return o.insurance(ctx, t, in)
	case models.StageContact:
		return o.contact(ctx, t, in)
	case models.StageScheduling:
		return o.scheduling(ctx, t, in)
	case models.StageConfirming:
		return o.confirming(ctx, t, in)
	case models.StageCommunicating:
		return o.communicating(ctx, t)
	case models.StageReminder1, models.StageReminder2, models.StageReminder3:
		return o.reminderStage(ctx, t, in)
	default:
		return step{}, fmt.Errorf("stage %q cannot advance", t.sess.Stage)
	}
}

func (o *Orchestrator) recoverOrFail(sess *models.Session, err error) step {
	recoverable, kind := classify(err)
	if !recoverable {
		slog.Error("Orchestrator.recoverOrFail: fatal", "sessionID", sess.ID, "stage", sess.Stage, "kind", kind, "error", err)
		return step{kind: stepFail, failKind: kind, reason: err.Error()}
	}
	slog.Warn("Orchestrator.recoverOrFail: recoverable", "sessionID", sess.ID, "stage", sess.Stage, "kind", kind, "error", err)
	return step{kind: stepRetry, counted: true, prompt: correctivePrompts[kind] + o.repromptFor(sess)}
}

func (o *Orchestrator) apply(t *turn, from models.Stage, st step) {
	sess := t.sess
	switch st.kind {
	case stepAdvance:
		o.transition(sess, from.Next())
		o.say(sess, st.prompt)
	case stepStay:
		o.say(sess, st.prompt)
	case stepRetry:
		t.retry = true
		if st.counted {
			sess.Attempts[from]++
			if sess.Attempts[from] > o.cfg.MaxStageAttempts {
				o.fail(sess, models.FailureRetries, fmt.Sprintf("too many unsuccessful attempts at %s", from))
				return
			}
		}
		o.say(sess, st.prompt)
	case stepFail:
		o.fail(sess, st.failKind, st.reason)
	case stepIgnore:
		if st.prompt != "" {
			o.say(sess, st.prompt)
		}
	}
}

func (o *Orchestrator) transition(sess *models.Session, to models.Stage) {
	from := sess.Stage
	sess.Stage = to
	sess.StageEnteredAt = o.now()
	sess.Awaiting = false
	slog.Info("Orchestrator.transition", "sessionID", sess.ID, "from", from, "to", to)
	if o.observer != nil {
		o.observer.ObserveTransition(from, to)
	}
}

func (o *Orchestrator) fail(sess *models.Session, kind models.FailureKind, reason string) {
	f := &models.Failure{Stage: sess.Stage, Kind: kind, Reason: reason, At: o.now()}
	sess.Failure = f
	if o.observer != nil {
		o.observer.ObserveFailure(sess.Stage, kind)
	}
	o.transition(sess, models.StageError)
	o.say(sess, fatalPrompt(f))
}

func (o *Orchestrator) say(sess *models.Session, prompt string) {
	if prompt == "" {
		return
	}
	sess.LastPrompt = prompt
	sess.Transcript = append(sess.Transcript, models.TranscriptEntry{Role: "assistant", Stage: sess.Stage, Text: prompt, At: o.now()})
}

// repromptFor is the prompt repeated after a Recoverable outcome.
func (o *Orchestrator) repromptFor(sess *models.Session) string {
	switch sess.Stage {
	case models.StageScheduling, models.StageConfirming:
		if len(sess.OfferedSlots) > 0 {
			return offerPrompt(sess.OfferedSlots)
		}
		return promptPreferences
	default:
		return stagePrompt(sess.Stage)
	}
}

func (o *Orchestrator) save(ctx context.Context, t *turn) error {
	sess := t.sess
	if err := o.repo.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	for _, j := range t.jobs {
		if _, err := o.repo.EnqueueJob(ctx, j); err != nil {
			slog.Error("Orchestrator.save: enqueue failed", "sessionID", sess.ID, "kind", j.Kind, "error", err)
		}
	}
	if sess.Stage == models.StageError {
		if _, err := o.repo.CancelSessionJobs(ctx, sess.ID); err != nil {
			slog.Error("Orchestrator.save: cancel jobs failed", "sessionID", sess.ID, "error", err)
		}
	}
	o.scheduleStageTimeout(ctx, sess)
	return nil
}

func (o *Orchestrator) result(sess *models.Session, retry bool) Result {
	return Result{
		SessionID: sess.ID,
		Stage:     sess.Stage,
		Status:    statusOf(sess),
		Prompt:    sess.LastPrompt,
		Retry:     retry,
		Failure:   sess.Failure,
		Session:   sess,
	}
}

// Abandon stops a session. Queued follow-up jobs are cancelled; a booking
// already made stays in place.
func (o *Orchestrator) Abandon(ctx context.Context, sessionID string) error {
	unlock, err := o.locker.Lock(ctx, sessionLockKey(sessionID))
	if err != nil {
		return fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer unlock()

	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Abandoned {
		return nil
	}
	if sess.Terminal() {
		return fmt.Errorf("%w: %s is %s", models.ErrSessionTerminal, sessionID, sess.Stage)
	}
	sess.Abandoned = true
	o.say(sess, "This booking session has ended. Start again any time.")
	if err := o.repo.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	n, err := o.repo.CancelSessionJobs(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("cancel jobs for %s: %w", sessionID, err)
	}
	slog.Info("Orchestrator.Abandon: session abandoned", "sessionID", sessionID, "stage", sess.Stage, "jobsCancelled", n)
	return nil
}

// HandleStageTimeout re-prompts a pre-booking stage that has waited too long,
// failing the session once the re-prompts are used up. It does nothing if the
// session moved on since the timeout was scheduled.
func (o *Orchestrator) HandleStageTimeout(ctx context.Context, sessionID string, stage models.Stage, revision int64) error {
	unlock, err := o.locker.Lock(ctx, sessionLockKey(sessionID))
	if err != nil {
		return fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer unlock()

	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Terminal() || sess.Stage != stage || sess.Revision != revision {
		slog.Debug("Orchestrator.HandleStageTimeout: stale timeout ignored", "sessionID", sessionID, "stage", stage, "revision", revision)
		return nil
	}
	if sess.Attempts == nil {
		sess.Attempts = map[models.Stage]int{}
	}
	sess.Attempts[stage]++
	if sess.Attempts[stage] > o.cfg.MaxStageAttempts {
		o.fail(sess, models.FailureRetries, fmt.Sprintf("no response at %s", stage))
	} else {
		o.say(sess, promptStillThere+o.repromptFor(sess))
	}
	slog.Info("Orchestrator.HandleStageTimeout: stage timed out", "sessionID", sessionID, "stage", stage, "attempts", sess.Attempts[stage])
	return o.save(ctx, &turn{sess: sess})
}

// AwaitingSession finds the most recently updated session whose reminder is
// waiting for a reply from phone.
func (o *Orchestrator) AwaitingSession(ctx context.Context, phone string) (*models.Session, error) {
	want := digitsOnly(phone)
	sessions, err := o.repo.ListSessionsByStage(ctx, models.StageReminder1, models.StageReminder2, models.StageReminder3)
	if err != nil {
		return nil, err
	}
	var matches []*models.Session
	for _, s := range sessions {
		if s.Awaiting && !s.Abandoned && want != "" && digitsOnly(s.Contact.Phone) == want {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no reminder awaiting a reply from %s", models.ErrSessionNotFound, phone)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].UpdatedAt.After(matches[j].UpdatedAt) })
	return matches[0], nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sendWithRetry makes at most two attempts through the notifier.
func (o *Orchestrator) sendWithRetry(ctx context.Context, sess *models.Session, ch models.Channel, template string) (bool, error) {
	req := messaging.SendRequest{
		SessionID: sess.ID,
		Channel:   ch,
		Recipient: sess.Recipient(ch),
		Template:  template,
		Payload:   messaging.SessionPayload(sess),
	}
	for attempt := 1; attempt <= 2; attempt++ {
		res, err := o.notifier.Send(ctx, req)
		if err != nil {
			return false, err
		}
		if res.Success {
			return true, nil
		}
		slog.Warn("Orchestrator.sendWithRetry: attempt failed", "sessionID", sess.ID, "template", template, "attempt", attempt, "reason", res.Reason)
	}
	return false, nil
}
