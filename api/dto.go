/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/appointment-engine/recurrence"
	"github.com/warp/appointment-engine/store/sqlite"
)

// =============================================================================
// USERS
// =============================================================================

// UserDTO represents a user in API responses.
type UserDTO struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	PhoneNumber      string `json:"phone_number"`
	Timezone         string `json:"timezone"`
	VoiceEnabled     bool   `json:"voice_enabled"`
	SMSEnabled       bool   `json:"sms_enabled"`
	QuietHoursStart  string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd    string `json:"quiet_hours_end,omitempty"`
	ReminderStrategy string `json:"reminder_strategy"`
}

// CreateUserRequest is the request to create a user.
type CreateUserRequest struct {
	Name             string `json:"name"`
	PhoneNumber      string `json:"phone_number"`
	Timezone         string `json:"timezone"`
	VoiceEnabled     *bool  `json:"voice_enabled"`
	SMSEnabled       *bool  `json:"sms_enabled"`
	QuietHoursStart  string `json:"quiet_hours_start"`
	QuietHoursEnd    string `json:"quiet_hours_end"`
	ReminderStrategy string `json:"reminder_strategy"`
}

// UpdatePreferencesRequest overwrites a user's notification preferences.
type UpdatePreferencesRequest struct {
	PhoneNumber      string `json:"phone_number"`
	Timezone         string `json:"timezone"`
	VoiceEnabled     bool   `json:"voice_enabled"`
	SMSEnabled       bool   `json:"sms_enabled"`
	QuietHoursStart  string `json:"quiet_hours_start"`
	QuietHoursEnd    string `json:"quiet_hours_end"`
	ReminderStrategy string `json:"reminder_strategy"`
}

func toUserDTO(u sqlite.User) UserDTO {
	return UserDTO{
		ID:               u.ID,
		Name:             u.Name,
		PhoneNumber:      u.PhoneNumber,
		Timezone:         u.Timezone,
		VoiceEnabled:     u.VoiceEnabled,
		SMSEnabled:       u.SMSEnabled,
		QuietHoursStart:  u.QuietHoursStart,
		QuietHoursEnd:    u.QuietHoursEnd,
		ReminderStrategy: u.ReminderStrategy,
	}
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

// AppointmentDTO represents an appointment in API responses.
type AppointmentDTO struct {
	ID              int64    `json:"id"`
	UserID          int64    `json:"user_id"`
	Title           string   `json:"title"`
	Date            string   `json:"date"`
	Time            string   `json:"time"`
	Location        string   `json:"location,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	ReminderMinutes *int     `json:"reminder_minutes,omitempty"`
	IsRecurring     bool     `json:"is_recurring"`
	RRule           string   `json:"rrule,omitempty"`
	SeriesID        string   `json:"series_id,omitempty"`
	OccurrenceEnd   string   `json:"occurrence_end,omitempty"`
	CompletedAt     string   `json:"completed_at,omitempty"`
}

// AppointmentRequest creates or updates an appointment.
type AppointmentRequest struct {
	UserID          int64    `json:"user_id"`
	Title           string   `json:"title"`
	Date            string   `json:"date"`
	Time            string   `json:"time"`
	Location        string   `json:"location"`
	Notes           string   `json:"notes"`
	Tags            []string `json:"tags"`
	ReminderMinutes *int     `json:"reminder_minutes"`
	IsRecurring     bool     `json:"is_recurring"`
	RRule           string   `json:"rrule"`
	SeriesID        string   `json:"series_id"`
	OccurrenceEnd   string   `json:"occurrence_end"`
}

// CompleteAppointmentRequest marks a whole appointment or one occurrence done.
type CompleteAppointmentRequest struct {
	OccurrenceKey string `json:"occurrence_key,omitempty"`
}

// OccurrenceDTO is one expanded occurrence of an appointment.
type OccurrenceDTO struct {
	AppointmentID  int64  `json:"appointment_id"`
	Title          string `json:"title"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	OccurrenceKey  string `json:"occurrence_key"`
	IsBaseInstance bool   `json:"is_base_instance"`
	Completed      bool   `json:"completed"`
}

func toAppointmentDTO(a sqlite.Appointment) AppointmentDTO {
	dto := AppointmentDTO{
		ID:              a.ID,
		UserID:          a.UserID,
		Title:           a.Title,
		Date:            a.Date,
		Time:            a.Time,
		Location:        a.Location,
		Notes:           a.Notes,
		Tags:            a.Tags,
		ReminderMinutes: a.ReminderMinutes,
		IsRecurring:     a.IsRecurring,
		RRule:           a.RRule,
		SeriesID:        a.SeriesID,
		OccurrenceEnd:   a.OccurrenceEnd,
	}
	if a.CompletedAt != nil {
		dto.CompletedAt = a.CompletedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return dto
}

// toRecurrenceAppointment maps a stored appointment into the expansion
// engine's input shape.
func toRecurrenceAppointment(a sqlite.Appointment) recurrence.Appointment {
	return recurrence.Appointment{
		ID:            a.ID,
		Title:         a.Title,
		Date:          a.Date,
		Time:          a.Time,
		IsRecurring:   a.IsRecurring,
		RRule:         a.RRule,
		SeriesID:      a.SeriesID,
		OccurrenceEnd: a.OccurrenceEnd,
	}
}

// =============================================================================
// CONFLICTS
// =============================================================================

// CandidateAppointment is the conflict check's subject. ID may be zero for a
// not-yet-saved appointment; a non-zero ID excludes that row from the
// existing set so an edit never conflicts with itself.
type CandidateAppointment struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	IsRecurring   bool   `json:"is_recurring"`
	RRule         string `json:"rrule"`
	OccurrenceEnd string `json:"occurrence_end"`
}

// ConflictCheckRequest asks which existing appointments clash with a
// candidate inside a window.
type ConflictCheckRequest struct {
	UserID      int64                `json:"user_id"`
	Candidate   CandidateAppointment `json:"candidate"`
	WindowStart string               `json:"window_start"`
	WindowEnd   string               `json:"window_end"`
}

// ConflictCheckResponse lists every clashing occurrence pair.
type ConflictCheckResponse struct {
	Conflicts []recurrence.ConflictEntry `json:"conflicts"`
}

// =============================================================================
// REMINDERS
// =============================================================================

// TestCallRequest triggers a one-off verification call.
type TestCallRequest struct {
	UserID        int64 `json:"user_id"`
	OffsetMinutes int   `json:"offset_minutes"`
}

// TestCallResponse reports the queued attempt.
type TestCallResponse struct {
	AttemptID int64 `json:"attempt_id"`
}
