/*
handlers.go - HTTP API handlers for the appointment reminder service

PURPOSE:
  Exposes appointments, recurrence expansion, conflict checks, and the
  reminder ledger via REST. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    POST   /api/users                       Create user
    GET    /api/users/{id}                  Get user
    PUT    /api/users/{id}/preferences      Update notification preferences

  Appointments:
    GET    /api/appointments                List (userId, title, date range)
    POST   /api/appointments                Create (validates rrule)
    GET    /api/appointments/{id}           Get
    PUT    /api/appointments/{id}           Update (validates rrule)
    DELETE /api/appointments/{id}           Delete
    POST   /api/appointments/{id}/complete  Complete whole or one occurrence
    GET    /api/appointments/{id}/occurrences  Expand into a window
    GET    /api/appointments/{id}/ics       Single-event ICS export

  Scheduling:
    POST   /api/conflicts                   Conflict check for a candidate

  Reminders:
    GET    /api/reminders/activity          Paged attempt history
    POST   /api/reminders/test-call         One-off verification call
    POST   /callbacks/voice-status          Provider status webhook

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 500: Internal errors
  Rule validation failures carry the full error list in "details".

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/appointment-engine/recurrence"
	"github.com/warp/appointment-engine/reminder"
	"github.com/warp/appointment-engine/store/sqlite"
)

// occurrenceWindowDays is the default expansion window when the client gives
// no explicit range.
const occurrenceWindowDays = 90

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Scheduler *reminder.Scheduler
}

// NewHandler creates a new handler with the given store and scheduler.
func NewHandler(store *sqlite.Store, scheduler *reminder.Scheduler) *Handler {
	return &Handler{Store: store, Scheduler: scheduler}
}

// =============================================================================
// USERS
// =============================================================================

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phone_number is required", nil)
		return
	}

	user := sqlite.User{
		Name:             req.Name,
		PhoneNumber:      req.PhoneNumber,
		Timezone:         req.Timezone,
		VoiceEnabled:     true,
		SMSEnabled:       true,
		QuietHoursStart:  req.QuietHoursStart,
		QuietHoursEnd:    req.QuietHoursEnd,
		ReminderStrategy: req.ReminderStrategy,
	}
	if user.Timezone == "" {
		user.Timezone = "UTC"
	}
	if user.ReminderStrategy == "" {
		user.ReminderStrategy = "voice_first"
	}
	if req.VoiceEnabled != nil {
		user.VoiceEnabled = *req.VoiceEnabled
	}
	if req.SMSEnabled != nil {
		user.SMSEnabled = *req.SMSEnabled
	}

	id, err := h.Store.CreateUser(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user", err)
		return
	}
	user.ID = id
	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	user, err := h.Store.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user", err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req UpdatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phone_number is required", nil)
		return
	}

	existing, err := h.Store.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user", err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "user not found", nil)
		return
	}

	updated := *existing
	updated.PhoneNumber = req.PhoneNumber
	updated.Timezone = req.Timezone
	updated.VoiceEnabled = req.VoiceEnabled
	updated.SMSEnabled = req.SMSEnabled
	updated.QuietHoursStart = req.QuietHoursStart
	updated.QuietHoursEnd = req.QuietHoursEnd
	updated.ReminderStrategy = req.ReminderStrategy
	if updated.Timezone == "" {
		updated.Timezone = existing.Timezone
	}
	if updated.ReminderStrategy == "" {
		updated.ReminderStrategy = existing.ReminderStrategy
	}

	if err := h.Store.UpdateUserPreferences(r.Context(), id, updated); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(updated))
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "userId query parameter is required", nil)
		return
	}

	filter := sqlite.AppointmentFilter{
		UserID:           userID,
		Title:            r.URL.Query().Get("title"),
		DateFrom:         r.URL.Query().Get("dateFrom"),
		DateTo:           r.URL.Query().Get("dateTo"),
		IncludeCompleted: r.URL.Query().Get("includeCompleted") == "true",
	}

	appts, err := h.Store.ListAppointments(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list appointments", err)
		return
	}

	dtos := make([]AppointmentDTO, 0, len(appts))
	for _, a := range appts {
		dtos = append(dtos, toAppointmentDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req AppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if details := validateAppointment(req); len(details) > 0 {
		writeValidationError(w, details)
		return
	}

	id, err := h.Store.CreateAppointment(r.Context(), appointmentFromRequest(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create appointment", err)
		return
	}
	created, err := h.Store.GetAppointment(r.Context(), id)
	if err != nil || created == nil {
		writeError(w, http.StatusInternalServerError, "failed to load created appointment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentDTO(*created))
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.loadAppointment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(*appt))
}

func (h *Handler) UpdateAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.loadAppointment(w, r)
	if !ok {
		return
	}
	var req AppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.UserID == 0 {
		req.UserID = appt.UserID
	}
	if details := validateAppointment(req); len(details) > 0 {
		writeValidationError(w, details)
		return
	}

	updated := appointmentFromRequest(req)
	updated.ID = appt.ID
	updated.UserID = appt.UserID // ownership never changes via update
	if err := h.Store.UpdateAppointment(r.Context(), updated); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update appointment", err)
		return
	}

	fresh, err := h.Store.GetAppointment(r.Context(), appt.ID)
	if err != nil || fresh == nil {
		writeError(w, http.StatusInternalServerError, "failed to load updated appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(*fresh))
}

func (h *Handler) DeleteAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.loadAppointment(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteAppointment(r.Context(), appt.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": appt.ID})
}

func (h *Handler) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.loadAppointment(w, r)
	if !ok {
		return
	}

	var req CompleteAppointmentRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	now := time.Now()
	if req.OccurrenceKey != "" {
		if !appt.IsRecurring {
			writeError(w, http.StatusBadRequest, "occurrence_key only applies to recurring appointments", nil)
			return
		}
		if err := h.Store.CompleteOccurrence(r.Context(), appt.ID, req.OccurrenceKey, now); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to complete occurrence", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"completed_occurrence": req.OccurrenceKey})
		return
	}

	if err := h.Store.CompleteAppointment(r.Context(), appt.ID, now); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to complete appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"completed": appt.ID})
}

func (h *Handler) GetOccurrences(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.loadAppointment(w, r)
	if !ok {
		return
	}

	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" {
		from = appt.Date
	}
	if to == "" {
		base, err := time.Parse("2006-01-02", from)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date", err)
			return
		}
		to = base.AddDate(0, 0, occurrenceWindowDays).Format("2006-01-02")
	}

	occurrences := recurrence.Expand(toRecurrenceAppointment(*appt), from, to, recurrence.ExpandOptions{})

	completedKeys, err := h.Store.CompletedOccurrenceKeys(r.Context(), appt.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load occurrence completions", err)
		return
	}
	completed := make(map[string]bool, len(completedKeys))
	for _, key := range completedKeys {
		completed[key] = true
	}

	dtos := make([]OccurrenceDTO, 0, len(occurrences))
	for _, occ := range occurrences {
		dtos = append(dtos, OccurrenceDTO{
			AppointmentID:  occ.AppointmentID,
			Title:          occ.Title,
			Date:           occ.Date,
			Time:           occ.Time,
			OccurrenceKey:  occ.OccurrenceKey,
			IsBaseInstance: occ.IsBaseInstance,
			Completed:      completed[occ.OccurrenceKey],
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ExportICS(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.loadAppointment(w, r)
	if !ok {
		return
	}

	ics, err := buildICS(*appt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build calendar export", err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="appointment.ics"`)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(ics))
}

// =============================================================================
// CONFLICTS
// =============================================================================

func (h *Handler) CheckConflicts(w http.ResponseWriter, r *http.Request) {
	var req ConflictCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	if req.WindowStart == "" || req.WindowEnd == "" {
		writeError(w, http.StatusBadRequest, "window_start and window_end are required", nil)
		return
	}
	if req.Candidate.IsRecurring {
		result := recurrence.Parse(req.Candidate.RRule)
		if !result.Valid {
			writeValidationError(w, result.Errors)
			return
		}
	}

	existing, err := h.Store.ListAppointments(r.Context(), sqlite.AppointmentFilter{
		UserID:   req.UserID,
		DateFrom: req.WindowStart,
		DateTo:   req.WindowEnd,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load appointments", err)
		return
	}

	candidate := recurrence.Appointment{
		ID:            req.Candidate.ID,
		Title:         req.Candidate.Title,
		Date:          req.Candidate.Date,
		Time:          req.Candidate.Time,
		IsRecurring:   req.Candidate.IsRecurring,
		RRule:         req.Candidate.RRule,
		OccurrenceEnd: req.Candidate.OccurrenceEnd,
	}

	others := make([]recurrence.Appointment, 0, len(existing))
	for _, a := range existing {
		if a.ID == req.Candidate.ID {
			continue
		}
		others = append(others, toRecurrenceAppointment(a))
	}

	conflicts := recurrence.DetectConflicts(candidate, others, req.WindowStart, req.WindowEnd)
	writeJSON(w, http.StatusOK, ConflictCheckResponse{Conflicts: conflicts})
}

// =============================================================================
// REMINDERS
// =============================================================================

func (h *Handler) GetReminderActivity(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "userId query parameter is required", nil)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	filter := reminder.ActivityFilter{
		Status:   r.URL.Query().Get("status"),
		Channel:  r.URL.Query().Get("channel"),
		Page:     page,
		PageSize: pageSize,
	}

	activity, err := h.Scheduler.Activity(r.Context(), userID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load reminder activity", err)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

func (h *Handler) TriggerTestCall(w http.ResponseWriter, r *http.Request) {
	var req TestCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	user, err := h.Store.GetUser(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user", err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found", nil)
		return
	}
	if user.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "user has no phone number configured", nil)
		return
	}

	attemptID, err := h.Scheduler.TriggerTestCall(r.Context(), user.ID, user.PhoneNumber, req.OffsetMinutes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to place test call", err)
		return
	}
	writeJSON(w, http.StatusOK, TestCallResponse{AttemptID: attemptID})
}

// VoiceStatusCallback receives the provider's call status webhook. Accepts
// form-encoded posts (the provider's native format) and JSON.
func (h *Handler) VoiceStatusCallback(w http.ResponseWriter, r *http.Request) {
	cb := reminder.StatusCallback{}
	if id, err := strconv.ParseInt(r.URL.Query().Get("attempt_id"), 10, 64); err == nil {
		cb.AttemptID = id
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var body struct {
			AttemptID    int64  `json:"attempt_id"`
			CallSid      string `json:"call_sid"`
			CallStatus   string `json:"call_status"`
			ErrorCode    string `json:"error_code"`
			ErrorMessage string `json:"error_message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid callback body", err)
			return
		}
		if body.AttemptID > 0 {
			cb.AttemptID = body.AttemptID
		}
		cb.ProviderRef = body.CallSid
		cb.CallStatus = body.CallStatus
		cb.ErrorCode = body.ErrorCode
		cb.ErrorMessage = body.ErrorMessage
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid callback form", err)
			return
		}
		cb.ProviderRef = r.PostForm.Get("CallSid")
		cb.CallStatus = r.PostForm.Get("CallStatus")
		cb.ErrorCode = r.PostForm.Get("ErrorCode")
		cb.ErrorMessage = r.PostForm.Get("ErrorMessage")
	}

	result, err := h.Scheduler.HandleStatusCallback(r.Context(), cb)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process status callback", err)
		return
	}
	// Always 200: the provider retries non-2xx responses and an unmatched
	// callback has nothing to retry into.
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) loadAppointment(w http.ResponseWriter, r *http.Request) (*sqlite.Appointment, bool) {
	id, ok := idParam(w, r)
	if !ok {
		return nil, false
	}
	appt, err := h.Store.GetAppointment(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load appointment", err)
		return nil, false
	}
	if appt == nil {
		writeError(w, http.StatusNotFound, "appointment not found", nil)
		return nil, false
	}
	return appt, true
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id", err)
		return 0, false
	}
	return id, true
}

// validateAppointment returns human-readable problems; empty means valid.
func validateAppointment(req AppointmentRequest) []string {
	var details []string
	if req.UserID <= 0 {
		details = append(details, "user_id is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		details = append(details, "title is required")
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		details = append(details, "date must be a valid YYYY-MM-DD date")
	}
	if _, err := time.Parse("15:04", req.Time); err != nil {
		details = append(details, "time must be a valid HH:MM time")
	}
	if req.ReminderMinutes != nil && *req.ReminderMinutes <= 0 {
		details = append(details, "reminder_minutes must be positive")
	}
	if req.IsRecurring {
		result := recurrence.Parse(req.RRule)
		if !result.Valid {
			details = append(details, result.Errors...)
		} else if result.Rule == nil {
			details = append(details, "a recurring appointment needs a recurrence rule")
		}
	}
	return details
}

func appointmentFromRequest(req AppointmentRequest) sqlite.Appointment {
	return sqlite.Appointment{
		UserID:          req.UserID,
		Title:           strings.TrimSpace(req.Title),
		Date:            req.Date,
		Time:            req.Time,
		Location:        req.Location,
		Notes:           req.Notes,
		Tags:            req.Tags,
		ReminderMinutes: req.ReminderMinutes,
		IsRecurring:     req.IsRecurring,
		RRule:           req.RRule,
		SeriesID:        req.SeriesID,
		OccurrenceEnd:   req.OccurrenceEnd,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]any{"error": message}
	if err != nil {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}

func writeValidationError(w http.ResponseWriter, details []string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "validation failed",
		"details": details,
	})
}
