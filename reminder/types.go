/*
Package reminder implements the reminder-attempt scheduler: a periodic tick
loop plus an asynchronous status-callback handler that drive a persisted,
append-only attempt ledger through a retry/fallback state machine across two
channels (voice first, SMS fallback).

STATE MACHINE (per attempt row):

  queued -> calling -> {completed, voice_no_answer, voice_failed}
  queued -> sms_sent
  any non-terminal -> cancelled

queued and calling are non-terminal. Terminal rows are never mutated again,
but a failure-class terminal may spawn a NEW attempt row (voice retry or SMS
fallback) according to the single decision function in policy.go.

PERSISTENCE:
  Attempt rows are never deleted. The ledger doubles as the user-facing
  reminder activity history.

SEE ALSO:
  - scheduler.go: the tick loop
  - callback.go:  provider status callbacks
  - policy.go:    retry/fallback decisions and quiet hours
*/
package reminder

import (
	"context"
	"time"
)

// =============================================================================
// CHANNELS AND STATUSES
// =============================================================================

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelSMS   Channel = "sms"
)

// Status is the state of one attempt row.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusCalling       Status = "calling"
	StatusCompleted     Status = "completed"
	StatusVoiceNoAnswer Status = "voice_no_answer"
	StatusVoiceFailed   Status = "voice_failed"
	StatusSMSSent       Status = "sms_sent"
	StatusCancelled     Status = "cancelled"
)

// IsTerminal reports whether a status ends the attempt row's lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusQueued, StatusCalling:
		return false
	}
	return true
}

// =============================================================================
// ATTEMPT LEDGER
// =============================================================================

// Attempt is one persisted record of an attempt to notify a user about an
// upcoming appointment via one channel.
type Attempt struct {
	ID            int64
	UserID        int64
	AppointmentID *int64
	Channel       Channel
	AttemptNumber int
	ScheduledFor  time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Status        Status
	ProviderRef   string
	ErrorCode     string
	ErrorMessage  string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewAttempt is the insert payload for a fresh attempt row.
type NewAttempt struct {
	UserID        int64
	AppointmentID *int64
	Channel       Channel
	AttemptNumber int
	ScheduledFor  time.Time
	Status        Status
	Metadata      map[string]any
}

// AttemptUpdate mutates a single attempt row by primary key. Nil pointer
// fields are left untouched (COALESCE semantics), so concurrent tick and
// callback updates never clobber each other's audit fields.
type AttemptUpdate struct {
	Status       Status
	ProviderRef  *string
	ErrorCode    *string
	ErrorMessage *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Metadata     map[string]any
}

// AttemptContext is an attempt row joined with the appointment and user
// preference fields the dispatch step needs. It is the scheduler's working
// unit for both the tick path and the callback path.
type AttemptContext struct {
	Attempt

	AppointmentTitle     string
	AppointmentDate      string // YYYY-MM-DD, empty if no appointment linked
	AppointmentTime      string // HH:MM
	AppointmentCompleted bool

	UserPhoneNumber      string
	UserVoiceEnabled     bool
	UserSMSEnabled       bool
	UserQuietHoursStart  string // HH:MM, empty = none
	UserQuietHoursEnd    string
	UserReminderStrategy string
}

// UpcomingAppointment is an appointment row joined with the owning user's
// channel preferences, as fetched for initial reminder scheduling.
type UpcomingAppointment struct {
	ID              int64
	UserID          int64
	Title           string
	Date            string // YYYY-MM-DD
	Time            string // HH:MM
	ReminderMinutes *int   // nil = default lead time
	PhoneNumber     string
	VoiceEnabled    bool
	SMSEnabled      bool
}

// =============================================================================
// ACTIVITY QUERY
// =============================================================================

// ActivityFilter selects and pages attempt rows for the activity history.
type ActivityFilter struct {
	Status   string // empty = all
	Channel  string // empty = all
	Page     int    // 1-based
	PageSize int
}

// ActivityPage is one page of attempt rows, newest first.
type ActivityPage struct {
	Items    []Attempt `json:"items"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
	Total    int       `json:"total"`
}

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================

// Store is the persistence surface the scheduler needs. store/sqlite
// implements it.
type Store interface {
	// UpcomingAppointments returns non-completed appointments with a date in
	// [fromDate, toDate], joined with user preferences, ordered by
	// (date, time, id).
	UpcomingAppointments(ctx context.Context, fromDate, toDate string) ([]UpcomingAppointment, error)

	// HasInitialVoiceAttempt reports whether an attemptNumber=1 voice row
	// already exists for the appointment (the idempotency guard).
	HasInitialVoiceAttempt(ctx context.Context, appointmentID int64) (bool, error)

	// CreateAttempt inserts a new attempt row and returns its id.
	CreateAttempt(ctx context.Context, attempt NewAttempt) (int64, error)

	// DueAttempts returns queued attempts with scheduledFor <= now, joined
	// with appointment and user context, ordered by (scheduledFor, id).
	DueAttempts(ctx context.Context, now time.Time) ([]AttemptContext, error)

	// UpdateAttempt applies a field-scoped update to one row.
	UpdateAttempt(ctx context.Context, id int64, update AttemptUpdate) error

	// RescheduleAttempt moves a queued attempt's due time without touching
	// its status, merging the given metadata.
	RescheduleAttempt(ctx context.Context, id int64, scheduledFor time.Time, metadata map[string]any) error

	AttemptByID(ctx context.Context, id int64) (*AttemptContext, error)
	AttemptByProviderRef(ctx context.Context, providerRef string) (*AttemptContext, error)

	// Activity pages the ledger for one user, newest first.
	Activity(ctx context.Context, userID int64, filter ActivityFilter) (ActivityPage, error)
}

// Dispatcher is the external dispatch collaborator (a telephony provider).
type Dispatcher interface {
	// Ready reports whether the provider is configured; when false the
	// scheduler still queues attempts but does not dispatch them.
	Ready() bool

	// CreateVoiceCall places a call and returns the provider's reference.
	CreateVoiceCall(ctx context.Context, toNumber, callbackURL string, metadata map[string]string) (string, error)

	// CreateTextMessage sends an SMS and returns the provider's reference.
	CreateTextMessage(ctx context.Context, toNumber, body string) (string, error)
}

// ProviderError is a dispatch failure carrying the provider's error code.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// =============================================================================
// STATUS CALLBACK
// =============================================================================

// StatusCallback is the provider's asynchronous report of a voice call's
// outcome, correlated by attempt id or provider reference.
type StatusCallback struct {
	AttemptID    int64
	ProviderRef  string
	CallStatus   string
	ErrorCode    string
	ErrorMessage string
}

// CallbackResult reports what a status callback did.
type CallbackResult struct {
	OK        bool   `json:"ok"`
	AttemptID int64  `json:"attempt_id,omitempty"`
	Status    Status `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}
