package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// sqlStore holds the query logic shared by the SQLite and PostgreSQL backends.
// Queries are written with '?' placeholders and rebound for the dialect.
type sqlStore struct {
	db   *sql.DB
	name string
	bind func(string) string
}

// rebindDollar rewrites '?' placeholders to PostgreSQL's $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) q(query string) string {
	if s.bind == nil {
		return query
	}
	return s.bind(query)
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	slog.Debug(s.name + ".Close: closing database connection")
	return s.db.Close()
}

// DB exposes the connection for components that share it (WhatsApp device store).
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// --- sessions ---

func (s *sqlStore) CreateSession(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO sessions (id, stage, revision, contact_phone, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, string(sess.Stage), sess.Revision, nilIfEmpty(sess.Contact.Phone), string(data), utc(sess.CreatedAt), utc(sess.UpdatedAt),
	)
	if err != nil {
		slog.Error(s.name+".CreateSession failed", "sessionID", sess.ID, "error", err)
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	slog.Debug(s.name+".CreateSession succeeded", "sessionID", sess.ID, "stage", sess.Stage)
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var data string
	var revision int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data, revision FROM sessions WHERE id = ?`), id).Scan(&data, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return decodeSession(data, revision)
}

func (s *sqlStore) SaveSession(ctx context.Context, sess *models.Session) error {
	expected := sess.Revision
	sess.Revision = expected + 1
	sess.UpdatedAt = time.Now()
	data, err := json.Marshal(sess)
	if err != nil {
		sess.Revision = expected
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE sessions SET stage = ?, revision = ?, contact_phone = ?, data = ?, updated_at = ? WHERE id = ? AND revision = ?`),
		string(sess.Stage), sess.Revision, nilIfEmpty(sess.Contact.Phone), string(data), utc(sess.UpdatedAt), sess.ID, expected,
	)
	if err != nil {
		sess.Revision = expected
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		sess.Revision = expected
		var exists int
		err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM sessions WHERE id = ?`), sess.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", models.ErrSessionNotFound, sess.ID)
		}
		slog.Warn(s.name+".SaveSession: revision mismatch", "sessionID", sess.ID, "expected", expected)
		return fmt.Errorf("%w: %s at revision %d", models.ErrStaleSession, sess.ID, expected)
	}
	slog.Debug(s.name+".SaveSession succeeded", "sessionID", sess.ID, "stage", sess.Stage, "revision", sess.Revision)
	return nil
}

func (s *sqlStore) ListSessionsByStage(ctx context.Context, stages ...models.Stage) ([]*models.Session, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(stages))
	for i, st := range stages {
		args[i] = string(st)
	}
	query := `SELECT data, revision FROM sessions WHERE stage IN (` + placeholders(len(stages)) + `) ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions by stage: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var data string
		var revision int64
		if err := rows.Scan(&data, &revision); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decodeSession(data, revision)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func decodeSession(data string, revision int64) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess.Revision = revision
	return &sess, nil
}

// --- patients ---

const patientColumns = `id, name, dob, email, phone, insurance_carrier, insurance_member_id, insurance_group_number, created_at, updated_at`

func (s *sqlStore) FindByIdentity(ctx context.Context, normalizedName, dob string) (*models.Patient, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+patientColumns+` FROM patients WHERE normalized_name = ? AND dob = ?`), normalizedName, dob)
	return scanPatient(row)
}

func (s *sqlStore) FindByID(ctx context.Context, id string) (*models.Patient, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+patientColumns+` FROM patients WHERE id = ?`), id)
	return scanPatient(row)
}

func (s *sqlStore) UpsertPatient(ctx context.Context, p *models.Patient) error {
	if p.ID == "" {
		return errors.New("patient ID is required")
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO patients (id, normalized_name, dob, name, email, phone, insurance_carrier, insurance_member_id, insurance_group_number, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   normalized_name = excluded.normalized_name,
		   dob = excluded.dob,
		   name = excluded.name,
		   email = excluded.email,
		   phone = excluded.phone,
		   insurance_carrier = excluded.insurance_carrier,
		   insurance_member_id = excluded.insurance_member_id,
		   insurance_group_number = excluded.insurance_group_number,
		   updated_at = excluded.updated_at`),
		p.ID, models.NormalizeName(p.Name), p.DOB, p.Name, nilIfEmpty(p.Email), nilIfEmpty(p.Phone),
		nilIfEmpty(p.Insurance.Carrier), nilIfEmpty(p.Insurance.MemberID), nilIfEmpty(p.Insurance.GroupNumber),
		utc(p.CreatedAt), utc(p.UpdatedAt),
	)
	if err != nil {
		slog.Error(s.name+".UpsertPatient failed", "patientID", p.ID, "error", err)
		return fmt.Errorf("upsert patient %s: %w", p.ID, err)
	}
	slog.Debug(s.name+".UpsertPatient succeeded", "patientID", p.ID)
	return nil
}

// --- slots ---

const slotColumns = `provider, slot_date, start_time, location, granularity, status`

func (s *sqlStore) ListAvailable(ctx context.Context, filter models.SlotFilter) ([]models.Slot, error) {
	status := filter.Status
	if status == "" {
		status = models.SlotAvailable
	}
	query := `SELECT ` + slotColumns + ` FROM slots WHERE status = ?`
	args := []interface{}{string(status)}
	if p := strings.TrimSpace(filter.Provider); p != "" {
		query += ` AND LOWER(provider) = LOWER(?)`
		args = append(args, p)
	}
	if l := strings.TrimSpace(filter.Location); l != "" {
		query += ` AND LOWER(location) = LOWER(?)`
		args = append(args, l)
	}
	query += ` ORDER BY slot_date ASC, start_time ASC, provider ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var out []models.Slot
	for rows.Next() {
		var sl models.Slot
		var st string
		if err := rows.Scan(&sl.Provider, &sl.Date, &sl.StartTime, &sl.Location, &sl.Granularity, &st); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		sl.Status = models.SlotStatus(st)
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetSlot(ctx context.Context, key models.SlotKey) (*models.Slot, error) {
	var sl models.Slot
	var st string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT `+slotColumns+` FROM slots WHERE provider = ? AND slot_date = ? AND start_time = ?`),
		key.Provider, key.Date, key.StartTime,
	).Scan(&sl.Provider, &sl.Date, &sl.StartTime, &sl.Location, &sl.Granularity, &st)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get slot %s: %w", key, err)
	}
	sl.Status = models.SlotStatus(st)
	return &sl, nil
}

func (s *sqlStore) SetSlotStatus(ctx context.Context, key models.SlotKey, expected, next models.SlotStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE slots SET status = ?, updated_at = ? WHERE provider = ? AND slot_date = ? AND start_time = ? AND status = ?`),
		string(next), utc(time.Now()), key.Provider, key.Date, key.StartTime, string(expected),
	)
	if err != nil {
		return fmt.Errorf("set slot status %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		sl, err := s.GetSlot(ctx, key)
		if err != nil {
			return err
		}
		if sl == nil {
			return fmt.Errorf("%w: slot %s", models.ErrNotFound, key)
		}
		return fmt.Errorf("%w: slot %s is %s, expected %s", models.ErrConflict, key, sl.Status, expected)
	}
	return nil
}

func (s *sqlStore) PutSlot(ctx context.Context, slot models.Slot) error {
	if err := slot.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO slots (provider, slot_date, start_time, location, granularity, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, slot_date, start_time) DO UPDATE SET
		   location = excluded.location,
		   granularity = excluded.granularity,
		   status = excluded.status,
		   updated_at = excluded.updated_at`),
		slot.Provider, slot.Date, slot.StartTime, slot.Location, slot.Granularity, string(slot.Status), utc(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put slot %s: %w", slot.Key(), err)
	}
	return nil
}

// --- confirmations ---

func (s *sqlStore) Reserve(ctx context.Context, keys []models.SlotKey, c *models.Confirmation) error {
	if len(keys) == 0 {
		return errors.New("reserve requires at least one slot key")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	now := utc(time.Now())
	for _, k := range keys {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE slots SET status = ?, updated_at = ? WHERE provider = ? AND slot_date = ? AND start_time = ? AND status = ?`),
			string(models.SlotBooked), now, k.Provider, k.Date, k.StartTime, string(models.SlotAvailable),
		)
		if err != nil {
			return fmt.Errorf("reserve slot %s: %w", k, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var st string
			err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM slots WHERE provider = ? AND slot_date = ? AND start_time = ?`),
				k.Provider, k.Date, k.StartTime).Scan(&st)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: slot %s", models.ErrNotFound, k)
			}
			if err != nil {
				return fmt.Errorf("reserve slot %s: %w", k, err)
			}
			slog.Debug(s.name+".Reserve: slot already taken", "slot", k.String(), "status", st)
			return fmt.Errorf("%w: slot %s is %s", models.ErrConflict, k, st)
		}
	}

	var existing string
	err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM confirmations WHERE session_id = ?`), c.SessionID).Scan(&existing)
	if err == nil {
		return fmt.Errorf("%w: session %s already confirmed as %s", models.ErrIntegrity, c.SessionID, existing)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check existing confirmation: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO confirmations (id, session_id, patient_id, provider, location, slot_date, start_time, granularity, duration, cancelled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.SessionID, c.PatientID, c.Slot.Provider, c.Slot.Location, c.Slot.Date, c.Slot.StartTime,
		c.Slot.Granularity, c.Slot.Duration, false, utc(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert confirmation %s: %w", c.ID, err)
	}
	for i, k := range keys {
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO confirmation_slots (confirmation_id, provider, slot_date, start_time, position) VALUES (?, ?, ?, ?, ?)`),
			c.ID, k.Provider, k.Date, k.StartTime, i,
		)
		if err != nil {
			return fmt.Errorf("insert confirmation slot %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reserve: %w", err)
	}
	c.Slot.Status = models.SlotBooked
	c.Slot.Span = append([]models.SlotKey(nil), keys...)
	slog.Debug(s.name+".Reserve committed", "confirmationID", c.ID, "sessionID", c.SessionID, "slots", len(keys))
	return nil
}

const confirmationColumns = `id, session_id, patient_id, provider, location, slot_date, start_time, granularity, duration, cancelled, cancel_reason, cancelled_at, created_at`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *sqlStore) loadConfirmation(ctx context.Context, db queryer, where string, arg interface{}) (*models.Confirmation, error) {
	var c models.Confirmation
	var reason sql.NullString
	var cancelledAt sql.NullTime
	err := db.QueryRowContext(ctx, s.q(`SELECT `+confirmationColumns+` FROM confirmations WHERE `+where), arg).Scan(
		&c.ID, &c.SessionID, &c.PatientID, &c.Slot.Provider, &c.Slot.Location, &c.Slot.Date, &c.Slot.StartTime,
		&c.Slot.Granularity, &c.Slot.Duration, &c.Cancelled, &reason, &cancelledAt, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load confirmation: %w", err)
	}
	c.CancelReason = reason.String
	if cancelledAt.Valid {
		t := cancelledAt.Time
		c.CancelledAt = &t
	}
	c.Slot.Status = models.SlotBooked
	if c.Cancelled {
		c.Slot.Status = models.SlotAvailable
	}

	rows, err := db.QueryContext(ctx, s.q(`SELECT provider, slot_date, start_time FROM confirmation_slots WHERE confirmation_id = ? ORDER BY position ASC`), c.ID)
	if err != nil {
		return nil, fmt.Errorf("load confirmation span: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k models.SlotKey
		if err := rows.Scan(&k.Provider, &k.Date, &k.StartTime); err != nil {
			return nil, fmt.Errorf("scan confirmation span: %w", err)
		}
		c.Slot.Span = append(c.Slot.Span, k)
	}
	return &c, rows.Err()
}

func (s *sqlStore) ActiveConfirmationFor(ctx context.Context, sessionID string) (*models.Confirmation, error) {
	c, err := s.loadConfirmation(ctx, s.db, `session_id = ?`, sessionID)
	if err != nil || c == nil || c.Cancelled {
		return nil, err
	}
	return c, nil
}

func (s *sqlStore) GetConfirmation(ctx context.Context, id string) (*models.Confirmation, error) {
	return s.loadConfirmation(ctx, s.db, `id = ?`, id)
}

func (s *sqlStore) CountActiveForSlot(ctx context.Context, key models.SlotKey) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM confirmation_slots cs JOIN confirmations c ON c.id = cs.confirmation_id
		 WHERE c.cancelled = ? AND cs.provider = ? AND cs.slot_date = ? AND cs.start_time = ?`),
		false, key.Provider, key.Date, key.StartTime,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active confirmations for %s: %w", key, err)
	}
	return n, nil
}

func (s *sqlStore) CancelConfirmation(ctx context.Context, id, reason string, at time.Time) (*models.Confirmation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	c, err := s.loadConfirmation(ctx, tx, `id = ?`, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: confirmation %s", models.ErrNotFound, id)
	}
	if c.Cancelled {
		return c, nil
	}

	if _, err := tx.ExecContext(ctx, s.q(`UPDATE confirmations SET cancelled = ?, cancel_reason = ?, cancelled_at = ? WHERE id = ?`),
		true, nilIfEmpty(reason), utc(at), id); err != nil {
		return nil, fmt.Errorf("cancel confirmation %s: %w", id, err)
	}
	for _, k := range c.Slot.SpanKeys() {
		if _, err := tx.ExecContext(ctx, s.q(
			`UPDATE slots SET status = ?, updated_at = ? WHERE provider = ? AND slot_date = ? AND start_time = ? AND status = ?`),
			string(models.SlotAvailable), utc(at), k.Provider, k.Date, k.StartTime, string(models.SlotBooked)); err != nil {
			return nil, fmt.Errorf("release slot %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cancel: %w", err)
	}

	c.Cancelled = true
	c.CancelReason = reason
	c.CancelledAt = &at
	c.Slot.Status = models.SlotAvailable
	slog.Debug(s.name+".CancelConfirmation committed", "confirmationID", id)
	return c, nil
}

func (s *sqlStore) ListConfirmations(ctx context.Context) ([]models.Confirmation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM confirmations ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list confirmations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan confirmation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Confirmation, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetConfirmation(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

// --- reminder records ---

func (s *sqlStore) AppendReminderRecord(ctx context.Context, r models.ReminderRecord) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO reminder_records (session_id, stage, outcome, reason, recorded_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, stage) DO NOTHING`),
		r.SessionID, r.Stage, string(r.Outcome), nilIfEmpty(r.Reason), utc(r.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append reminder record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: reminder stage %d already recorded for %s", models.ErrConflict, r.Stage, r.SessionID)
	}
	return nil
}

func (s *sqlStore) ListReminderRecords(ctx context.Context, sessionID string) ([]models.ReminderRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT session_id, stage, outcome, reason, recorded_at FROM reminder_records WHERE session_id = ? ORDER BY stage ASC, recorded_at ASC`),
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list reminder records: %w", err)
	}
	defer rows.Close()

	var out []models.ReminderRecord
	for rows.Next() {
		var r models.ReminderRecord
		var outcome string
		var reason sql.NullString
		if err := rows.Scan(&r.SessionID, &r.Stage, &outcome, &reason, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan reminder record: %w", err)
		}
		r.Outcome = models.ReminderOutcome(outcome)
		r.Reason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- communication log ---

func (s *sqlStore) AppendCommunicationLog(ctx context.Context, e models.CommunicationLogEntry) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO communication_log (id, session_id, channel, recipient, template, payload_summary, success, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, nilIfEmpty(e.SessionID), string(e.Channel), e.Recipient, e.Template, e.PayloadSummary, e.Success, nilIfEmpty(e.Error), utc(e.Timestamp),
	)
	if err != nil {
		slog.Error(s.name+".AppendCommunicationLog failed", "entryID", e.ID, "error", err)
		return fmt.Errorf("append communication log: %w", err)
	}
	return nil
}

func (s *sqlStore) ListCommunicationLog(ctx context.Context, sessionID string) ([]models.CommunicationLogEntry, error) {
	query := `SELECT id, session_id, channel, recipient, template, payload_summary, success, error, created_at FROM communication_log`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list communication log: %w", err)
	}
	defer rows.Close()

	var out []models.CommunicationLogEntry
	for rows.Next() {
		var e models.CommunicationLogEntry
		var sessID, errMsg sql.NullString
		var channel string
		if err := rows.Scan(&e.ID, &sessID, &channel, &e.Recipient, &e.Template, &e.PayloadSummary, &e.Success, &errMsg, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan communication log: %w", err)
		}
		e.SessionID = sessID.String
		e.Channel = models.Channel(channel)
		e.Error = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- inbound dedup ---

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO inbound_dedup (message_id, session_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, nilIfEmpty(sessionID), utc(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), utc(time.Now()), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ReleaseInbound(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`), messageID)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}
