package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps all state in process memory behind one mutex. It backs
// tests and the DSN-less mode. Values are copied on the way in and out so
// callers never share mutable structures with the store.
type InMemoryStore struct {
	mu sync.Mutex

	sessions      map[string]storedSession
	patients      map[string]models.Patient
	slots         map[models.SlotKey]models.Slot
	confirmations []models.Confirmation
	reminders     []models.ReminderRecord
	commLog       []models.CommunicationLogEntry
	jobs          map[string]*Job
	jobOrder      []string
	inbound       map[string]*time.Time
}

type storedSession struct {
	data     []byte
	stage    models.Stage
	created  time.Time
	revision int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]storedSession),
		patients: make(map[string]models.Patient),
		slots:    make(map[models.SlotKey]models.Slot),
		jobs:     make(map[string]*Job),
		inbound:  make(map[string]*time.Time),
	}
}

func (s *InMemoryStore) Close() error { return nil }

// --- sessions ---

func (s *InMemoryStore) CreateSession(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = storedSession{data: data, stage: sess.Stage, created: sess.CreatedAt, revision: sess.Revision}
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	st, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	return decodeSession(string(st.data), st.revision)
}

func (s *InMemoryStore) SaveSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sess.ID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, sess.ID)
	}
	if st.revision != sess.Revision {
		return fmt.Errorf("%w: %s at revision %d", models.ErrStaleSession, sess.ID, sess.Revision)
	}
	sess.Revision++
	sess.UpdatedAt = time.Now()
	data, err := json.Marshal(sess)
	if err != nil {
		sess.Revision--
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	s.sessions[sess.ID] = storedSession{data: data, stage: sess.Stage, created: st.created, revision: sess.Revision}
	return nil
}

func (s *InMemoryStore) ListSessionsByStage(ctx context.Context, stages ...models.Stage) ([]*models.Session, error) {
	want := make(map[models.Stage]bool, len(stages))
	for _, st := range stages {
		want[st] = true
	}
	s.mu.Lock()
	var matched []storedSession
	for _, st := range s.sessions {
		if want[st.stage] {
			matched = append(matched, st)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].created.Before(matched[j].created) })
	out := make([]*models.Session, 0, len(matched))
	for _, st := range matched {
		sess, err := decodeSession(string(st.data), st.revision)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// --- patients ---

func (s *InMemoryStore) FindByIdentity(ctx context.Context, normalizedName, dob string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patients {
		if models.NormalizeName(p.Name) == normalizedName && p.DOB == dob {
			cp := p
			cp.Classification = models.ClassificationReturning
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) FindByID(ctx context.Context, id string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, nil
	}
	p.Classification = models.ClassificationReturning
	return &p, nil
}

func (s *InMemoryStore) UpsertPatient(ctx context.Context, p *models.Patient) error {
	if p.ID == "" {
		return errors.New("patient ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.NormalizeName(p.Name)
	for id, other := range s.patients {
		if id != p.ID && models.NormalizeName(other.Name) == key && other.DOB == p.DOB {
			return fmt.Errorf("%w: identity already registered as %s", models.ErrConflict, id)
		}
	}
	now := time.Now()
	if existing, ok := s.patients[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.patients[p.ID] = *p
	return nil
}

// --- slots ---

func (s *InMemoryStore) ListAvailable(ctx context.Context, filter models.SlotFilter) ([]models.Slot, error) {
	status := filter.Status
	if status == "" {
		status = models.SlotAvailable
	}
	provider := strings.TrimSpace(filter.Provider)
	location := strings.TrimSpace(filter.Location)

	s.mu.Lock()
	var out []models.Slot
	for _, sl := range s.slots {
		if sl.Status != status {
			continue
		}
		if provider != "" && !strings.EqualFold(sl.Provider, provider) {
			continue
		}
		if location != "" && !strings.EqualFold(sl.Location, location) {
			continue
		}
		out = append(out, sl)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

func (s *InMemoryStore) GetSlot(ctx context.Context, key models.SlotKey) (*models.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		return nil, nil
	}
	return &sl, nil
}

func (s *InMemoryStore) SetSlotStatus(ctx context.Context, key models.SlotKey, expected, next models.SlotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		return fmt.Errorf("%w: slot %s", models.ErrNotFound, key)
	}
	if sl.Status != expected {
		return fmt.Errorf("%w: slot %s is %s, expected %s", models.ErrConflict, key, sl.Status, expected)
	}
	sl.Status = next
	s.slots[key] = sl
	return nil
}

func (s *InMemoryStore) PutSlot(ctx context.Context, slot models.Slot) error {
	if err := slot.Validate(); err != nil {
		return err
	}
	slot.Duration = 0
	slot.Span = nil
	s.mu.Lock()
	s.slots[slot.Key()] = slot
	s.mu.Unlock()
	return nil
}

// --- confirmations ---

func (s *InMemoryStore) Reserve(ctx context.Context, keys []models.SlotKey, c *models.Confirmation) error {
	if len(keys) == 0 {
		return errors.New("reserve requires at least one slot key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		sl, ok := s.slots[k]
		if !ok {
			return fmt.Errorf("%w: slot %s", models.ErrNotFound, k)
		}
		if sl.Status != models.SlotAvailable {
			return fmt.Errorf("%w: slot %s is %s", models.ErrConflict, k, sl.Status)
		}
	}
	for _, existing := range s.confirmations {
		if existing.SessionID == c.SessionID {
			return fmt.Errorf("%w: session %s already confirmed as %s", models.ErrIntegrity, c.SessionID, existing.ID)
		}
	}
	for _, k := range keys {
		sl := s.slots[k]
		sl.Status = models.SlotBooked
		s.slots[k] = sl
	}
	c.Slot.Status = models.SlotBooked
	c.Slot.Span = append([]models.SlotKey(nil), keys...)
	s.confirmations = append(s.confirmations, copyConfirmation(*c))
	return nil
}

func copyConfirmation(c models.Confirmation) models.Confirmation {
	c.Slot.Span = append([]models.SlotKey(nil), c.Slot.Span...)
	if c.CancelledAt != nil {
		t := *c.CancelledAt
		c.CancelledAt = &t
	}
	return c
}

func (s *InMemoryStore) ActiveConfirmationFor(ctx context.Context, sessionID string) (*models.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.confirmations {
		if c.SessionID == sessionID && !c.Cancelled {
			cp := copyConfirmation(c)
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetConfirmation(ctx context.Context, id string) (*models.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.confirmations {
		if c.ID == id {
			cp := copyConfirmation(c)
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CountActiveForSlot(ctx context.Context, key models.SlotKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.confirmations {
		if c.Cancelled {
			continue
		}
		for _, k := range c.Slot.SpanKeys() {
			if k == key {
				n++
			}
		}
	}
	return n, nil
}

func (s *InMemoryStore) CancelConfirmation(ctx context.Context, id, reason string, at time.Time) (*models.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.confirmations {
		c := &s.confirmations[i]
		if c.ID != id {
			continue
		}
		if !c.Cancelled {
			cancelledAt := at
			c.Cancelled = true
			c.CancelReason = reason
			c.CancelledAt = &cancelledAt
			c.Slot.Status = models.SlotAvailable
			for _, k := range c.Slot.SpanKeys() {
				if sl, ok := s.slots[k]; ok && sl.Status == models.SlotBooked {
					sl.Status = models.SlotAvailable
					s.slots[k] = sl
				}
			}
		}
		cp := copyConfirmation(*c)
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: confirmation %s", models.ErrNotFound, id)
}

func (s *InMemoryStore) ListConfirmations(ctx context.Context) ([]models.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Confirmation, 0, len(s.confirmations))
	for _, c := range s.confirmations {
		out = append(out, copyConfirmation(c))
	}
	return out, nil
}

// --- reminder records ---

func (s *InMemoryStore) AppendReminderRecord(ctx context.Context, r models.ReminderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.reminders {
		if existing.SessionID == r.SessionID && existing.Stage == r.Stage {
			return fmt.Errorf("%w: reminder stage %d already recorded for %s", models.ErrConflict, r.Stage, r.SessionID)
		}
	}
	s.reminders = append(s.reminders, r)
	return nil
}

func (s *InMemoryStore) ListReminderRecords(ctx context.Context, sessionID string) ([]models.ReminderRecord, error) {
	s.mu.Lock()
	var out []models.ReminderRecord
	for _, r := range s.reminders {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// --- communication log ---

func (s *InMemoryStore) AppendCommunicationLog(ctx context.Context, e models.CommunicationLogEntry) error {
	s.mu.Lock()
	s.commLog = append(s.commLog, e)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) ListCommunicationLog(ctx context.Context, sessionID string) ([]models.CommunicationLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CommunicationLogEntry
	for _, e := range s.commLog {
		if sessionID == "" || e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- jobs ---

func (s *InMemoryStore) EnqueueJob(ctx context.Context, req EnqueueRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.DedupeKey != "" {
		for _, id := range s.jobOrder {
			j := s.jobs[id]
			if j.DedupeKey == req.DedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
				return j.ID, nil
			}
		}
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultJobMaxAttempts
	}
	now := time.Now()
	j := &Job{
		ID:          util.GenerateRandomID(util.JobIDPrefix, 32),
		Kind:        req.Kind,
		SessionID:   req.SessionID,
		RunAt:       req.RunAt,
		PayloadJSON: req.PayloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: maxAttempts,
		DedupeKey:   req.DedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	s.jobOrder = append(s.jobOrder, j.ID)
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.SliceStable(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		lockedAt := now
		j.Status = JobStatusRunning
		j.LockedAt = &lockedAt
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) updateJob(id string, fn func(j *Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	fn(j)
	j.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) CompleteJob(ctx context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	})
}

func (s *InMemoryStore) CancelJob(ctx context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) CancelSessionJobs(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.SessionID == sessionID && j.Status == JobStatusQueued {
			j.Status = JobStatusCanceled
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *InMemoryStore) ListSessionJobs(ctx context.Context, sessionID string) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, id := range s.jobOrder {
		if j := s.jobs[id]; j.SessionID == sessionID {
			out = append(out, *j)
		}
	}
	return out, nil
}

// --- inbound dedup ---

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = nil
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.inbound[messageID] = &now
	return nil
}

func (s *InMemoryStore) ReleaseInbound(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.inbound[messageID]; ok && at == nil {
		delete(s.inbound, messageID)
	}
	return nil
}
