/*
Package sqlite provides the SQLite-backed persistence layer.

PURPOSE:
  Implements every storage surface the service needs: user records,
  appointments, the reminder attempt ledger, and per-occurrence completion
  marks. In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  reminder.Store: the scheduler's persistence contract

APPEND-ONLY LEDGER:
  reminder_attempts rows are inserted and updated in status/audit fields only;
  there is no DELETE path. The ledger doubles as the user-facing activity
  history.

KEY TABLES:
  users:                  phone number and channel preferences
  appointments:           one-off and recurring appointments (rrule text)
  reminder_attempts:      the attempt ledger
  occurrence_completions: which occurrences of a series are done

INDEXES:
  idx_attempts_due:       (status, scheduled_for) - the tick's hot path
  idx_attempts_activity:  (user_id, created_at DESC) - activity pages
  idx_appointments_date:  (date, time) - lookahead and window queries

CONCURRENCY:
  sync.RWMutex for thread-safety on top of a single SQLite handle. WAL mode is
  enabled so readers do not block the writer.

USAGE:
  store, err := sqlite.New("./data/appointments.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - reminder/types.go: the Store interface this package implements
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/appointment-engine/reminder"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ reminder.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		phone_number TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT 'UTC',
		voice_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		sms_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		quiet_hours_start TEXT NOT NULL DEFAULT '',
		quiet_hours_end TEXT NOT NULL DEFAULT '',
		reminder_strategy TEXT NOT NULL DEFAULT 'voice_first',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS appointments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		date TEXT NOT NULL,
		time TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		tags_json TEXT NOT NULL DEFAULT '[]',
		reminder_minutes INTEGER,
		is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
		rrule TEXT NOT NULL DEFAULT '',
		series_id TEXT NOT NULL DEFAULT '',
		occurrence_end TEXT NOT NULL DEFAULT '',
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_appointments_user_date
		ON appointments(user_id, date);
	CREATE INDEX IF NOT EXISTS idx_appointments_date
		ON appointments(date, time);

	-- Attempt ledger (append-only; status/audit updates, no deletes)
	CREATE TABLE IF NOT EXISTS reminder_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		appointment_id INTEGER,
		channel TEXT NOT NULL,
		attempt_number INTEGER NOT NULL DEFAULT 1,
		scheduled_for TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		provider_ref TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	-- Hot path: the tick's due query
	CREATE INDEX IF NOT EXISTS idx_attempts_due
		ON reminder_attempts(status, scheduled_for);
	-- Activity pages
	CREATE INDEX IF NOT EXISTS idx_attempts_activity
		ON reminder_attempts(user_id, created_at DESC);
	-- Idempotency lookup for initial scheduling
	CREATE INDEX IF NOT EXISTS idx_attempts_initial
		ON reminder_attempts(appointment_id, channel, attempt_number);
	-- Callback correlation
	CREATE INDEX IF NOT EXISTS idx_attempts_provider_ref
		ON reminder_attempts(provider_ref) WHERE provider_ref != '';

	CREATE TABLE IF NOT EXISTS occurrence_completions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		appointment_id INTEGER NOT NULL,
		occurrence_key TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		UNIQUE(appointment_id, occurrence_key),
		FOREIGN KEY (appointment_id) REFERENCES appointments(id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// USERS
// =============================================================================

// User is a stored user record with notification preferences.
type User struct {
	ID               int64
	Name             string
	PhoneNumber      string
	Timezone         string
	VoiceEnabled     bool
	SMSEnabled       bool
	QuietHoursStart  string
	QuietHoursEnd    string
	ReminderStrategy string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateUser inserts a user and returns the new id.
func (s *Store) CreateUser(ctx context.Context, u User) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (name, phone_number, timezone, voice_enabled, sms_enabled,
			quiet_hours_start, quiet_hours_end, reminder_strategy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Name, u.PhoneNumber, u.Timezone, u.VoiceEnabled, u.SMSEnabled,
		u.QuietHoursStart, u.QuietHoursEnd, u.ReminderStrategy, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return res.LastInsertId()
}

// GetUser retrieves a user by id; nil when not found.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u User
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone_number, timezone, voice_enabled, sms_enabled,
		       quiet_hours_start, quiet_hours_end, reminder_strategy, created_at, updated_at
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.PhoneNumber, &u.Timezone, &u.VoiceEnabled, &u.SMSEnabled,
		&u.QuietHoursStart, &u.QuietHoursEnd, &u.ReminderStrategy, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &u, nil
}

// UpdateUserPreferences overwrites a user's notification preferences.
func (s *Store) UpdateUserPreferences(ctx context.Context, id int64, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET phone_number = ?, timezone = ?, voice_enabled = ?, sms_enabled = ?,
			quiet_hours_start = ?, quiet_hours_end = ?, reminder_strategy = ?, updated_at = ?
		WHERE id = ?`,
		u.PhoneNumber, u.Timezone, u.VoiceEnabled, u.SMSEnabled,
		u.QuietHoursStart, u.QuietHoursEnd, u.ReminderStrategy,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update user preferences: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

// Appointment is a stored appointment record. Date and Time are local-date
// strings (YYYY-MM-DD, HH:MM) matching what the recurrence engine consumes.
type Appointment struct {
	ID              int64
	UserID          int64
	Title           string
	Date            string
	Time            string
	Location        string
	Notes           string
	Tags            []string
	ReminderMinutes *int
	IsRecurring     bool
	RRule           string
	SeriesID        string
	OccurrenceEnd   string
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AppointmentFilter narrows ListAppointments.
type AppointmentFilter struct {
	UserID           int64
	Title            string // substring match, case-insensitive
	DateFrom         string
	DateTo           string
	IncludeCompleted bool
}

const appointmentColumns = `id, user_id, title, date, time, location, notes, tags_json,
	reminder_minutes, is_recurring, rrule, series_id, occurrence_end, completed_at,
	created_at, updated_at`

// CreateAppointment inserts an appointment and returns the new id.
func (s *Store) CreateAppointment(ctx context.Context, a Appointment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, _ := json.Marshal(a.Tags)
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (user_id, title, date, time, location, notes, tags_json,
			reminder_minutes, is_recurring, rrule, series_id, occurrence_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.Title, a.Date, a.Time, a.Location, a.Notes, string(tagsJSON),
		a.ReminderMinutes, a.IsRecurring, a.RRule, a.SeriesID, a.OccurrenceEnd, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create appointment: %w", err)
	}
	return res.LastInsertId()
}

// GetAppointment retrieves an appointment by id; nil when not found.
func (s *Store) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	appts, err := s.queryAppointments(ctx,
		"SELECT "+appointmentColumns+" FROM appointments WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(appts) == 0 {
		return nil, nil
	}
	return &appts[0], nil
}

// UpdateAppointment overwrites an appointment's editable fields.
func (s *Store) UpdateAppointment(ctx context.Context, a Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, _ := json.Marshal(a.Tags)
	res, err := s.db.ExecContext(ctx, `
		UPDATE appointments SET title = ?, date = ?, time = ?, location = ?, notes = ?,
			tags_json = ?, reminder_minutes = ?, is_recurring = ?, rrule = ?,
			series_id = ?, occurrence_end = ?, updated_at = ?
		WHERE id = ?`,
		a.Title, a.Date, a.Time, a.Location, a.Notes, string(tagsJSON),
		a.ReminderMinutes, a.IsRecurring, a.RRule, a.SeriesID, a.OccurrenceEnd,
		time.Now().UTC().Format(time.RFC3339), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update appointment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteAppointment removes an appointment and its occurrence completions.
// Ledger rows referencing it are kept; the attempt history outlives the
// appointment.
func (s *Store) DeleteAppointment(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM occurrence_completions WHERE appointment_id = ?", id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM appointments WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListAppointments returns a user's appointments, optionally filtered,
// ordered by (date, time, id).
func (s *Store) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"user_id = ?"}
	args := []any{filter.UserID}
	if filter.Title != "" {
		where = append(where, "LOWER(title) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.Title)+"%")
	}
	if filter.DateFrom != "" {
		where = append(where, "date >= ?")
		args = append(args, filter.DateFrom)
	}
	if filter.DateTo != "" {
		where = append(where, "date <= ?")
		args = append(args, filter.DateTo)
	}
	if !filter.IncludeCompleted {
		where = append(where, "completed_at IS NULL")
	}

	query := "SELECT " + appointmentColumns + " FROM appointments WHERE " +
		strings.Join(where, " AND ") + " ORDER BY date, time, id"
	return s.queryAppointments(ctx, query, args...)
}

// CompleteAppointment marks a whole appointment done.
func (s *Store) CompleteAppointment(ctx context.Context, id int64, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE appointments SET completed_at = ?, updated_at = ? WHERE id = ?",
		completedAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CompleteOccurrence marks one occurrence of a recurring series done.
// Repeating the same key is a no-op, not an error.
func (s *Store) CompleteOccurrence(ctx context.Context, appointmentID int64, occurrenceKey string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO occurrence_completions (appointment_id, occurrence_key, completed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(appointment_id, occurrence_key) DO NOTHING`,
		appointmentID, occurrenceKey, completedAt.UTC().Format(time.RFC3339))
	return err
}

// CompletedOccurrenceKeys returns the occurrence keys marked done for an
// appointment.
func (s *Store) CompletedOccurrenceKeys(ctx context.Context, appointmentID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT occurrence_key FROM occurrence_completions WHERE appointment_id = ? ORDER BY occurrence_key",
		appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) queryAppointments(ctx context.Context, query string, args ...any) ([]Appointment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()

	var appts []Appointment
	for rows.Next() {
		var a Appointment
		var tagsJSON, createdAt, updatedAt string
		var reminderMinutes sql.NullInt64
		var completedAt sql.NullString

		if err := rows.Scan(&a.ID, &a.UserID, &a.Title, &a.Date, &a.Time, &a.Location,
			&a.Notes, &tagsJSON, &reminderMinutes, &a.IsRecurring, &a.RRule,
			&a.SeriesID, &a.OccurrenceEnd, &completedAt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}

		json.Unmarshal([]byte(tagsJSON), &a.Tags)
		if reminderMinutes.Valid {
			v := int(reminderMinutes.Int64)
			a.ReminderMinutes = &v
		}
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339, completedAt.String)
			a.CompletedAt = &t
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

// =============================================================================
// REMINDER ATTEMPT LEDGER (reminder.Store interface)
// =============================================================================

// UpcomingAppointments returns non-completed appointments with a date in
// [fromDate, toDate], joined with the owning user's preferences.
func (s *Store) UpcomingAppointments(ctx context.Context, fromDate, toDate string) ([]reminder.UpcomingAppointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.user_id, a.title, a.date, a.time, a.reminder_minutes,
		       u.phone_number, u.voice_enabled, u.sms_enabled
		FROM appointments a
		JOIN users u ON u.id = a.user_id
		WHERE a.completed_at IS NULL AND a.date >= ? AND a.date <= ?
		ORDER BY a.date, a.time, a.id`, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query upcoming appointments: %w", err)
	}
	defer rows.Close()

	var upcoming []reminder.UpcomingAppointment
	for rows.Next() {
		var u reminder.UpcomingAppointment
		var reminderMinutes sql.NullInt64
		if err := rows.Scan(&u.ID, &u.UserID, &u.Title, &u.Date, &u.Time,
			&reminderMinutes, &u.PhoneNumber, &u.VoiceEnabled, &u.SMSEnabled); err != nil {
			return nil, err
		}
		if reminderMinutes.Valid {
			v := int(reminderMinutes.Int64)
			u.ReminderMinutes = &v
		}
		upcoming = append(upcoming, u)
	}
	return upcoming, rows.Err()
}

// HasInitialVoiceAttempt reports whether an attemptNumber=1 voice row exists
// for the appointment.
func (s *Store) HasInitialVoiceAttempt(ctx context.Context, appointmentID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reminder_attempts
		WHERE appointment_id = ? AND channel = 'voice' AND attempt_number = 1`,
		appointmentID).Scan(&count)
	return count > 0, err
}

// CreateAttempt inserts an attempt row and returns its id.
func (s *Store) CreateAttempt(ctx context.Context, attempt reminder.NewAttempt) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, _ := json.Marshal(nonNilMetadata(attempt.Metadata))
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reminder_attempts (user_id, appointment_id, channel, attempt_number,
			scheduled_for, status, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.UserID, attempt.AppointmentID, string(attempt.Channel), attempt.AttemptNumber,
		attempt.ScheduledFor.UTC().Format(time.RFC3339), string(attempt.Status),
		string(metadataJSON), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create reminder attempt: %w", err)
	}
	return res.LastInsertId()
}

const attemptContextQuery = `
	SELECT r.id, r.user_id, r.appointment_id, r.channel, r.attempt_number,
	       r.scheduled_for, r.started_at, r.finished_at, r.status,
	       r.provider_ref, r.error_code, r.error_message, r.metadata_json,
	       r.created_at, r.updated_at,
	       COALESCE(a.title, ''), COALESCE(a.date, ''), COALESCE(a.time, ''),
	       a.completed_at IS NOT NULL,
	       u.phone_number, u.voice_enabled, u.sms_enabled,
	       u.quiet_hours_start, u.quiet_hours_end, u.reminder_strategy
	FROM reminder_attempts r
	JOIN users u ON u.id = r.user_id
	LEFT JOIN appointments a ON a.id = r.appointment_id`

// DueAttempts returns queued attempts whose scheduled time has arrived,
// joined with dispatch context, ordered by (scheduled_for, id).
func (s *Store) DueAttempts(ctx context.Context, now time.Time) ([]reminder.AttemptContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		attemptContextQuery+`
		WHERE r.status = 'queued' AND r.scheduled_for <= ?
		ORDER BY r.scheduled_for, r.id`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query due attempts: %w", err)
	}
	defer rows.Close()

	var due []reminder.AttemptContext
	for rows.Next() {
		attempt, err := scanAttemptContext(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, attempt)
	}
	return due, rows.Err()
}

// UpdateAttempt applies a field-scoped update: nil pointer fields keep their
// stored values and metadata is merged key-by-key.
func (s *Store) UpdateAttempt(ctx context.Context, id int64, update reminder.AttemptUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, err := s.mergedMetadata(ctx, id, update.Metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE reminder_attempts SET
			status = ?,
			provider_ref = COALESCE(?, provider_ref),
			error_code = COALESCE(?, error_code),
			error_message = COALESCE(?, error_message),
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at),
			metadata_json = ?,
			updated_at = ?
		WHERE id = ?`,
		string(update.Status),
		update.ProviderRef, update.ErrorCode, update.ErrorMessage,
		nullTime(update.StartedAt), nullTime(update.FinishedAt),
		metadataJSON, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update reminder attempt: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RescheduleAttempt moves a queued attempt's due time, merging metadata.
func (s *Store) RescheduleAttempt(ctx context.Context, id int64, scheduledFor time.Time, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, err := s.mergedMetadata(ctx, id, metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE reminder_attempts SET scheduled_for = ?, metadata_json = ?, updated_at = ?
		WHERE id = ?`,
		scheduledFor.UTC().Format(time.RFC3339), metadataJSON,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule reminder attempt: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AttemptByID returns one attempt with dispatch context; nil when not found.
func (s *Store) AttemptByID(ctx context.Context, id int64) (*reminder.AttemptContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryOneAttempt(ctx, attemptContextQuery+" WHERE r.id = ?", id)
}

// AttemptByProviderRef returns the attempt carrying the provider reference;
// nil when not found.
func (s *Store) AttemptByProviderRef(ctx context.Context, providerRef string) (*reminder.AttemptContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryOneAttempt(ctx,
		attemptContextQuery+" WHERE r.provider_ref = ? ORDER BY r.id DESC LIMIT 1", providerRef)
}

func (s *Store) queryOneAttempt(ctx context.Context, query string, args ...any) (*reminder.AttemptContext, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminder attempt: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	attempt, err := scanAttemptContext(rows)
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// Activity pages the ledger for one user, newest first.
func (s *Store) Activity(ctx context.Context, userID int64, filter reminder.ActivityFilter) (reminder.ActivityPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"user_id = ?"}
	args := []any{userID}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, filter.Channel)
	}
	whereClause := strings.Join(where, " AND ")

	page := reminder.ActivityPage{
		Page:     filter.Page,
		PageSize: filter.PageSize,
		Items:    []reminder.Attempt{},
	}

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reminder_attempts WHERE "+whereClause, args...,
	).Scan(&page.Total)
	if err != nil {
		return page, fmt.Errorf("failed to count activity: %w", err)
	}

	query := `
		SELECT id, user_id, appointment_id, channel, attempt_number, scheduled_for,
		       started_at, finished_at, status, provider_ref, error_code, error_message,
		       metadata_json, created_at, updated_at
		FROM reminder_attempts
		WHERE ` + whereClause + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return page, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return page, err
		}
		page.Items = append(page.Items, attempt)
	}
	return page, rows.Err()
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

func scanAttempt(rows *sql.Rows) (reminder.Attempt, error) {
	var (
		a             reminder.Attempt
		appointmentID sql.NullInt64
		channel       string
		status        string
		scheduledFor  string
		startedAt     sql.NullString
		finishedAt    sql.NullString
		metadataJSON  string
		createdAt     string
		updatedAt     string
	)

	err := rows.Scan(&a.ID, &a.UserID, &appointmentID, &channel, &a.AttemptNumber,
		&scheduledFor, &startedAt, &finishedAt, &status, &a.ProviderRef,
		&a.ErrorCode, &a.ErrorMessage, &metadataJSON, &createdAt, &updatedAt)
	if err != nil {
		return a, fmt.Errorf("failed to scan reminder attempt: %w", err)
	}

	fillAttempt(&a, appointmentID, channel, status, scheduledFor, startedAt, finishedAt,
		metadataJSON, createdAt, updatedAt)
	return a, nil
}

func scanAttemptContext(rows *sql.Rows) (reminder.AttemptContext, error) {
	var (
		a             reminder.AttemptContext
		appointmentID sql.NullInt64
		channel       string
		status        string
		scheduledFor  string
		startedAt     sql.NullString
		finishedAt    sql.NullString
		metadataJSON  string
		createdAt     string
		updatedAt     string
	)

	err := rows.Scan(&a.ID, &a.UserID, &appointmentID, &channel, &a.AttemptNumber,
		&scheduledFor, &startedAt, &finishedAt, &status, &a.ProviderRef,
		&a.ErrorCode, &a.ErrorMessage, &metadataJSON, &createdAt, &updatedAt,
		&a.AppointmentTitle, &a.AppointmentDate, &a.AppointmentTime, &a.AppointmentCompleted,
		&a.UserPhoneNumber, &a.UserVoiceEnabled, &a.UserSMSEnabled,
		&a.UserQuietHoursStart, &a.UserQuietHoursEnd, &a.UserReminderStrategy)
	if err != nil {
		return a, fmt.Errorf("failed to scan reminder attempt: %w", err)
	}

	fillAttempt(&a.Attempt, appointmentID, channel, status, scheduledFor, startedAt, finishedAt,
		metadataJSON, createdAt, updatedAt)
	return a, nil
}

func fillAttempt(a *reminder.Attempt, appointmentID sql.NullInt64, channel, status, scheduledFor string,
	startedAt, finishedAt sql.NullString, metadataJSON, createdAt, updatedAt string) {

	if appointmentID.Valid {
		v := appointmentID.Int64
		a.AppointmentID = &v
	}
	a.Channel = reminder.Channel(channel)
	a.Status = reminder.Status(status)
	a.ScheduledFor, _ = time.Parse(time.RFC3339, scheduledFor)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		a.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAt.String)
		a.FinishedAt = &t
	}
	if metadataJSON != "" {
		json.Unmarshal([]byte(metadataJSON), &a.Metadata)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
}

// mergedMetadata reads the stored metadata for an attempt and overlays the
// given keys. Callers hold the write lock.
func (s *Store) mergedMetadata(ctx context.Context, id int64, overlay map[string]any) (string, error) {
	if len(overlay) == 0 {
		var current string
		err := s.db.QueryRowContext(ctx,
			"SELECT metadata_json FROM reminder_attempts WHERE id = ?", id).Scan(&current)
		if err == sql.ErrNoRows {
			return "{}", nil
		}
		if err != nil {
			return "", err
		}
		return current, nil
	}

	var current string
	err := s.db.QueryRowContext(ctx,
		"SELECT metadata_json FROM reminder_attempts WHERE id = ?", id).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}

	merged := map[string]any{}
	if current != "" {
		json.Unmarshal([]byte(current), &merged)
	}
	for k, v := range overlay {
		merged[k] = v
	}
	out, _ := json.Marshal(merged)
	return string(out), nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"occurrence_completions", "reminder_attempts", "appointments", "users"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339)
	return &v
}

func nonNilMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
