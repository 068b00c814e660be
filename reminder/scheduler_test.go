/*
scheduler_test.go - Tick loop and callback state machine tests

Tests run against in-memory fakes of the store and the dispatch provider so
every branch of the state machine can be driven deterministically, including
provider failures and quiet-hours deferrals.
*/
package reminder

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FAKES
// =============================================================================

type memUser struct {
	phone      string
	voice, sms bool
	qhStart    string
	qhEnd      string
}

type memAppt struct {
	title     string
	date      string
	clock     string
	completed bool
}

type memStore struct {
	users    map[int64]memUser
	appts    map[int64]memAppt
	upcoming []UpcomingAppointment
	rows     []*Attempt
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{users: map[int64]memUser{}, appts: map[int64]memAppt{}}
}

func (m *memStore) UpcomingAppointments(_ context.Context, _, _ string) ([]UpcomingAppointment, error) {
	return m.upcoming, nil
}

func (m *memStore) HasInitialVoiceAttempt(_ context.Context, appointmentID int64) (bool, error) {
	for _, row := range m.rows {
		if row.AppointmentID != nil && *row.AppointmentID == appointmentID &&
			row.Channel == ChannelVoice && row.AttemptNumber == 1 {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CreateAttempt(_ context.Context, attempt NewAttempt) (int64, error) {
	m.nextID++
	meta := map[string]any{}
	for k, v := range attempt.Metadata {
		meta[k] = v
	}
	m.rows = append(m.rows, &Attempt{
		ID:            m.nextID,
		UserID:        attempt.UserID,
		AppointmentID: attempt.AppointmentID,
		Channel:       attempt.Channel,
		AttemptNumber: attempt.AttemptNumber,
		ScheduledFor:  attempt.ScheduledFor,
		Status:        attempt.Status,
		Metadata:      meta,
	})
	return m.nextID, nil
}

func (m *memStore) DueAttempts(_ context.Context, now time.Time) ([]AttemptContext, error) {
	var due []AttemptContext
	for _, row := range m.rows {
		if row.Status == StatusQueued && !row.ScheduledFor.After(now) {
			due = append(due, m.join(row))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

func (m *memStore) UpdateAttempt(_ context.Context, id int64, update AttemptUpdate) error {
	row := m.byID(id)
	if row == nil {
		return fmt.Errorf("attempt %d not found", id)
	}
	row.Status = update.Status
	if update.ProviderRef != nil {
		row.ProviderRef = *update.ProviderRef
	}
	if update.ErrorCode != nil {
		row.ErrorCode = *update.ErrorCode
	}
	if update.ErrorMessage != nil {
		row.ErrorMessage = *update.ErrorMessage
	}
	if update.StartedAt != nil {
		row.StartedAt = update.StartedAt
	}
	if update.FinishedAt != nil {
		row.FinishedAt = update.FinishedAt
	}
	for k, v := range update.Metadata {
		if row.Metadata == nil {
			row.Metadata = map[string]any{}
		}
		row.Metadata[k] = v
	}
	return nil
}

func (m *memStore) RescheduleAttempt(_ context.Context, id int64, scheduledFor time.Time, metadata map[string]any) error {
	row := m.byID(id)
	if row == nil {
		return fmt.Errorf("attempt %d not found", id)
	}
	row.ScheduledFor = scheduledFor
	for k, v := range metadata {
		if row.Metadata == nil {
			row.Metadata = map[string]any{}
		}
		row.Metadata[k] = v
	}
	return nil
}

func (m *memStore) AttemptByID(_ context.Context, id int64) (*AttemptContext, error) {
	row := m.byID(id)
	if row == nil {
		return nil, nil
	}
	ctx := m.join(row)
	return &ctx, nil
}

func (m *memStore) AttemptByProviderRef(_ context.Context, ref string) (*AttemptContext, error) {
	for _, row := range m.rows {
		if row.ProviderRef == ref {
			ctx := m.join(row)
			return &ctx, nil
		}
	}
	return nil, nil
}

func (m *memStore) Activity(_ context.Context, userID int64, filter ActivityFilter) (ActivityPage, error) {
	var matched []Attempt
	for _, row := range m.rows {
		if row.UserID != userID {
			continue
		}
		if filter.Status != "" && string(row.Status) != filter.Status {
			continue
		}
		if filter.Channel != "" && string(row.Channel) != filter.Channel {
			continue
		}
		matched = append(matched, *row)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	page := ActivityPage{Page: filter.Page, PageSize: filter.PageSize, Total: len(matched), Items: []Attempt{}}
	start := (filter.Page - 1) * filter.PageSize
	for i := start; i < len(matched) && i < start+filter.PageSize; i++ {
		page.Items = append(page.Items, matched[i])
	}
	return page, nil
}

func (m *memStore) byID(id int64) *Attempt {
	for _, row := range m.rows {
		if row.ID == id {
			return row
		}
	}
	return nil
}

func (m *memStore) join(row *Attempt) AttemptContext {
	ctx := AttemptContext{Attempt: *row}
	if user, ok := m.users[row.UserID]; ok {
		ctx.UserPhoneNumber = user.phone
		ctx.UserVoiceEnabled = user.voice
		ctx.UserSMSEnabled = user.sms
		ctx.UserQuietHoursStart = user.qhStart
		ctx.UserQuietHoursEnd = user.qhEnd
	}
	if row.AppointmentID != nil {
		if appt, ok := m.appts[*row.AppointmentID]; ok {
			ctx.AppointmentTitle = appt.title
			ctx.AppointmentDate = appt.date
			ctx.AppointmentTime = appt.clock
			ctx.AppointmentCompleted = appt.completed
		}
	}
	return ctx
}

type fakeDispatcher struct {
	ready    bool
	voiceErr error
	smsErr   error
	refSeq   int
	voiceTo  []string
	smsTo    []string
	smsBody  []string
}

func (f *fakeDispatcher) Ready() bool { return f.ready }

func (f *fakeDispatcher) CreateVoiceCall(_ context.Context, toNumber, _ string, _ map[string]string) (string, error) {
	if f.voiceErr != nil {
		return "", f.voiceErr
	}
	f.refSeq++
	f.voiceTo = append(f.voiceTo, toNumber)
	return fmt.Sprintf("CA%04d", f.refSeq), nil
}

func (f *fakeDispatcher) CreateTextMessage(_ context.Context, toNumber, body string) (string, error) {
	if f.smsErr != nil {
		return "", f.smsErr
	}
	f.refSeq++
	f.smsTo = append(f.smsTo, toNumber)
	f.smsBody = append(f.smsBody, body)
	return fmt.Sprintf("SM%04d", f.refSeq), nil
}

// =============================================================================
// FIXTURE
// =============================================================================

var testNow = time.Date(2026, time.March, 10, 10, 0, 0, 0, time.UTC)

func newTestScheduler(store *memStore, disp *fakeDispatcher) *Scheduler {
	s := New(store, disp, Config{CallbackBaseURL: "https://reminders.test"})
	s.now = func() time.Time { return testNow }
	return s
}

func seedUser(store *memStore, id int64, voice, sms bool) {
	store.users[id] = memUser{phone: "+15550100", voice: voice, sms: sms}
}

func queueAttempt(store *memStore, userID int64, appointmentID *int64, channel Channel, attemptNumber int, when time.Time) int64 {
	id, _ := store.CreateAttempt(context.Background(), NewAttempt{
		UserID:        userID,
		AppointmentID: appointmentID,
		Channel:       channel,
		AttemptNumber: attemptNumber,
		ScheduledFor:  when,
		Status:        StatusQueued,
	})
	return id
}

// =============================================================================
// PHASE 1: QUEUEING
// =============================================================================

func TestTick_WaitsForLeadTimeBeforeQueueing(t *testing.T) {
	// GIVEN: an appointment 2 hours out with the default 30-minute lead
	store := newMemStore()
	seedUser(store, 1, true, true)
	store.appts[10] = memAppt{title: "Dentist", date: "2026-03-10", clock: "12:00"}
	store.upcoming = []UpcomingAppointment{{
		ID: 10, UserID: 1, Title: "Dentist", Date: "2026-03-10", Time: "12:00",
		PhoneNumber: "+15550100", VoiceEnabled: true, SMSEnabled: true,
	}}
	disp := &fakeDispatcher{ready: true}
	s := newTestScheduler(store, disp)

	// WHEN: a tick runs while the lead time is still in the future
	s.Tick(context.Background())

	// THEN: nothing is queued yet; the appointment is re-read from live data
	// on every tick until start minus lead arrives
	assert.Empty(t, store.rows, "no attempt before remindAt")

	// WHEN: the clock reaches start minus 30 minutes
	s.now = func() time.Time { return testNow.Add(90 * time.Minute) }
	s.Tick(context.Background())

	// THEN: one voice attempt exists, scheduled at the lead time and
	// dispatched in the same pass
	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.Equal(t, ChannelVoice, row.Channel)
	assert.Equal(t, 1, row.AttemptNumber)
	assert.True(t, row.ScheduledFor.Equal(testNow.Add(90*time.Minute)),
		"scheduledFor = %s", row.ScheduledFor)
	assert.Equal(t, StatusCalling, row.Status)
	assert.Len(t, disp.voiceTo, 1)
}

func TestTick_QueueingIsIdempotent(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	store.appts[10] = memAppt{title: "Dentist", date: "2026-03-10", clock: "10:20"}
	store.upcoming = []UpcomingAppointment{{
		ID: 10, UserID: 1, Title: "Dentist", Date: "2026-03-10", Time: "10:20",
		PhoneNumber: "+15550100", VoiceEnabled: true, SMSEnabled: true,
	}}
	s := newTestScheduler(store, &fakeDispatcher{ready: true})

	s.Tick(context.Background())
	s.Tick(context.Background())
	s.Tick(context.Background())

	assert.Len(t, store.rows, 1, "repeated ticks must not duplicate the initial attempt")
}

func TestTick_OverdueLeadTimeDispatchesSamePass(t *testing.T) {
	// GIVEN: an appointment 10 minutes out, so start-30m is already past
	store := newMemStore()
	seedUser(store, 1, true, true)
	store.appts[10] = memAppt{title: "Dentist", date: "2026-03-10", clock: "10:10"}
	store.upcoming = []UpcomingAppointment{{
		ID: 10, UserID: 1, Title: "Dentist", Date: "2026-03-10", Time: "10:10",
		PhoneNumber: "+15550100", VoiceEnabled: true, SMSEnabled: true,
	}}
	disp := &fakeDispatcher{ready: true}
	s := newTestScheduler(store, disp)

	// WHEN: one tick runs
	s.Tick(context.Background())

	// THEN: the attempt keeps its original lead time and dispatches right away
	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.True(t, row.ScheduledFor.Equal(testNow.Add(-20*time.Minute)))
	assert.Equal(t, StatusCalling, row.Status)
	assert.Len(t, disp.voiceTo, 1)
}

func TestTick_RespectsPerAppointmentLeadTime(t *testing.T) {
	// GIVEN: two appointments at 11:00, one with a 60-minute lead and one with
	// the default 30-minute lead
	store := newMemStore()
	seedUser(store, 1, true, true)
	custom := 60
	store.appts[10] = memAppt{title: "Dentist", date: "2026-03-10", clock: "11:00"}
	store.appts[11] = memAppt{title: "Haircut", date: "2026-03-10", clock: "11:00"}
	store.upcoming = []UpcomingAppointment{
		{
			ID: 10, UserID: 1, Title: "Dentist", Date: "2026-03-10", Time: "11:00",
			ReminderMinutes: &custom,
			PhoneNumber:     "+15550100", VoiceEnabled: true, SMSEnabled: true,
		},
		{
			ID: 11, UserID: 1, Title: "Haircut", Date: "2026-03-10", Time: "11:00",
			PhoneNumber: "+15550100", VoiceEnabled: true, SMSEnabled: true,
		},
	}
	s := newTestScheduler(store, &fakeDispatcher{ready: true})

	// WHEN: a tick runs at 10:00
	s.Tick(context.Background())

	// THEN: only the 60-minute lead is due; the default lead waits until 10:30
	require.Len(t, store.rows, 1)
	row := store.rows[0]
	require.NotNil(t, row.AppointmentID)
	assert.Equal(t, int64(10), *row.AppointmentID)
	assert.True(t, row.ScheduledFor.Equal(testNow))
}

func TestTick_VoiceDisabledUserIsNeverQueued(t *testing.T) {
	// GIVEN: a due lead time for a user who turned the voice channel off
	store := newMemStore()
	seedUser(store, 1, false, true)
	store.appts[10] = memAppt{title: "Dentist", date: "2026-03-10", clock: "10:10"}
	store.upcoming = []UpcomingAppointment{{
		ID: 10, UserID: 1, Title: "Dentist", Date: "2026-03-10", Time: "10:10",
		PhoneNumber: "+15550100", VoiceEnabled: false, SMSEnabled: true,
	}}
	s := newTestScheduler(store, &fakeDispatcher{ready: true})

	// WHEN: one tick runs
	s.Tick(context.Background())

	// THEN: no ledger row at all, not even a cancelled one
	assert.Empty(t, store.rows)
}

// =============================================================================
// PHASE 2: DISPATCH
// =============================================================================

func TestTick_VoiceDispatchSuccess(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	apptID := int64(10)
	store.appts[apptID] = memAppt{title: "Dentist", date: "2026-03-10", clock: "10:30"}
	id := queueAttempt(store, 1, &apptID, ChannelVoice, 1, testNow.Add(-time.Minute))
	disp := &fakeDispatcher{ready: true}
	s := newTestScheduler(store, disp)

	s.Tick(context.Background())

	row := store.byID(id)
	assert.Equal(t, StatusCalling, row.Status)
	assert.NotEmpty(t, row.ProviderRef)
	require.NotNil(t, row.StartedAt)
	assert.Nil(t, row.FinishedAt)
	assert.Equal(t, []string{"+15550100"}, disp.voiceTo)
}

func TestTick_VoiceFailureQueuesRetry(t *testing.T) {
	// GIVEN: a due first voice attempt and a provider that rejects calls
	store := newMemStore()
	seedUser(store, 1, true, true)
	apptID := int64(10)
	store.appts[apptID] = memAppt{title: "Dentist", date: "2026-03-10", clock: "11:00"}
	id := queueAttempt(store, 1, &apptID, ChannelVoice, 1, testNow.Add(-time.Minute))
	disp := &fakeDispatcher{ready: true, voiceErr: &ProviderError{Code: "21211", Message: "Invalid phone number"}}
	s := newTestScheduler(store, disp)

	// WHEN: the tick dispatches
	s.Tick(context.Background())

	// THEN: the row is voice_failed with the provider's code
	row := store.byID(id)
	assert.Equal(t, StatusVoiceFailed, row.Status)
	assert.Equal(t, "21211", row.ErrorCode)
	assert.Equal(t, "Invalid phone number", row.ErrorMessage)
	require.NotNil(t, row.FinishedAt)

	// AND: a second voice attempt is queued 2 minutes out
	require.Len(t, store.rows, 2)
	retry := store.rows[1]
	assert.Equal(t, ChannelVoice, retry.Channel)
	assert.Equal(t, 2, retry.AttemptNumber)
	assert.Equal(t, StatusQueued, retry.Status)
	assert.True(t, retry.ScheduledFor.Equal(testNow.Add(2*time.Minute)))
	assert.Equal(t, id, retry.Metadata["parentAttemptId"])
	assert.Equal(t, "api_error", retry.Metadata["reason"])
}

func TestTick_SecondVoiceFailureFallsBackToSMS(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	apptID := int64(10)
	store.appts[apptID] = memAppt{title: "Dentist", date: "2026-03-10", clock: "11:00"}
	queueAttempt(store, 1, &apptID, ChannelVoice, 2, testNow.Add(-time.Minute))
	disp := &fakeDispatcher{ready: true, voiceErr: &ProviderError{Code: "20003", Message: "Auth error"}}
	s := newTestScheduler(store, disp)

	s.Tick(context.Background())

	require.Len(t, store.rows, 2)
	fallback := store.rows[1]
	assert.Equal(t, ChannelSMS, fallback.Channel)
	assert.Equal(t, 1, fallback.AttemptNumber, "fallback restarts numbering on its own channel")
	assert.Equal(t, StatusQueued, fallback.Status)
	assert.True(t, fallback.ScheduledFor.Equal(testNow), "fallback is immediate")
}

func TestTick_SMSDispatchSuccessIsTerminal(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	apptID := int64(10)
	store.appts[apptID] = memAppt{title: "Dentist", date: "2026-03-10", clock: "11:00"}
	id := queueAttempt(store, 1, &apptID, ChannelSMS, 1, testNow.Add(-time.Minute))
	disp := &fakeDispatcher{ready: true}
	s := newTestScheduler(store, disp)

	s.Tick(context.Background())

	row := store.byID(id)
	assert.Equal(t, StatusSMSSent, row.Status)
	require.NotNil(t, row.FinishedAt)
	require.Len(t, disp.smsBody, 1)
	assert.Contains(t, disp.smsBody[0], "Dentist")
	assert.Contains(t, disp.smsBody[0], "11:00")
}

func TestTick_SMSFailureCancelsWithoutEscalation(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	id := queueAttempt(store, 1, nil, ChannelSMS, 1, testNow.Add(-time.Minute))
	disp := &fakeDispatcher{ready: true, smsErr: &ProviderError{Code: "30007", Message: "Carrier violation"}}
	s := newTestScheduler(store, disp)

	s.Tick(context.Background())

	row := store.byID(id)
	assert.Equal(t, StatusCancelled, row.Status)
	assert.Len(t, store.rows, 1, "a failed SMS must not spawn follow-ups")
}

func TestTick_DisabledChannelCancels(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, false, true) // voice disabled
	id := queueAttempt(store, 1, nil, ChannelVoice, 1, testNow.Add(-time.Minute))
	disp := &fakeDispatcher{ready: true}
	s := newTestScheduler(store, disp)

	s.Tick(context.Background())

	row := store.byID(id)
	assert.Equal(t, StatusCancelled, row.Status)
	assert.Contains(t, row.ErrorMessage, "disabled")
	assert.Empty(t, disp.voiceTo)
}

func TestTick_CompletedAppointmentCancels(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	apptID := int64(10)
	store.appts[apptID] = memAppt{title: "Dentist", date: "2026-03-10", clock: "11:00", completed: true}
	id := queueAttempt(store, 1, &apptID, ChannelVoice, 1, testNow.Add(-time.Minute))
	disp := &fakeDispatcher{ready: true}
	s := newTestScheduler(store, disp)

	s.Tick(context.Background())

	assert.Equal(t, StatusCancelled, store.byID(id).Status)
	assert.Empty(t, disp.voiceTo)
}

func TestTick_ProviderNotReadyHoldsQueue(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	id := queueAttempt(store, 1, nil, ChannelVoice, 1, testNow.Add(-time.Minute))
	s := newTestScheduler(store, &fakeDispatcher{ready: false})

	s.Tick(context.Background())

	assert.Equal(t, StatusQueued, store.byID(id).Status, "attempts stay queued until the provider is configured")
}

// =============================================================================
// QUIET HOURS
// =============================================================================

func TestTick_QuietHoursDefersAttempt(t *testing.T) {
	// GIVEN: a due attempt inside the user's 09:00-11:00 quiet window
	store := newMemStore()
	store.users[1] = memUser{phone: "+15550100", voice: true, sms: true, qhStart: "09:00", qhEnd: "11:00"}
	id := queueAttempt(store, 1, nil, ChannelVoice, 1, testNow.Add(-time.Minute))
	disp := &fakeDispatcher{ready: true}
	s := newTestScheduler(store, disp)

	// WHEN: the tick runs at 10:00
	s.Tick(context.Background())

	// THEN: the attempt is still queued, moved to the window's end
	row := store.byID(id)
	assert.Equal(t, StatusQueued, row.Status)
	assert.True(t, row.ScheduledFor.Equal(time.Date(2026, time.March, 10, 11, 0, 0, 0, time.UTC)))
	assert.Equal(t, "quiet_hours", row.Metadata["reason"])
	assert.Equal(t, 1, row.Metadata["deferralCount"])
	assert.Empty(t, disp.voiceTo)
}

func TestTick_QuietHoursDeferralCapCancels(t *testing.T) {
	store := newMemStore()
	store.users[1] = memUser{phone: "+15550100", voice: true, sms: true, qhStart: "09:00", qhEnd: "09:00"}
	id := queueAttempt(store, 1, nil, ChannelVoice, 1, testNow.Add(-time.Minute))
	store.byID(id).Metadata = map[string]any{"deferralCount": DefaultMaxQuietDeferrals}
	s := newTestScheduler(store, &fakeDispatcher{ready: true})

	s.Tick(context.Background())

	row := store.byID(id)
	assert.Equal(t, StatusCancelled, row.Status)
	assert.Contains(t, row.ErrorMessage, "deferral limit")
}

// =============================================================================
// STATUS CALLBACKS
// =============================================================================

func TestCallback_CompletedCall(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	id := queueAttempt(store, 1, nil, ChannelVoice, 1, testNow)
	ref := "CA0001"
	_ = store.UpdateAttempt(context.Background(), id, AttemptUpdate{Status: StatusCalling, ProviderRef: &ref})
	s := newTestScheduler(store, &fakeDispatcher{ready: true})

	result, err := s.HandleStatusCallback(context.Background(), StatusCallback{
		AttemptID: id, ProviderRef: ref, CallStatus: "completed",
	})

	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, StatusCompleted, result.Status)
	row := store.byID(id)
	assert.Equal(t, StatusCompleted, row.Status)
	require.NotNil(t, row.FinishedAt)
	assert.Equal(t, "completed", row.Metadata["callbackStatus"])
}

func TestCallback_NoAnswerQueuesRetryLikeTickPath(t *testing.T) {
	// The asynchronous failure path must take the same policy decision as a
	// synchronous dispatch error.
	store := newMemStore()
	seedUser(store, 1, true, true)
	id := queueAttempt(store, 1, nil, ChannelVoice, 1, testNow)
	s := newTestScheduler(store, &fakeDispatcher{ready: true})

	result, err := s.HandleStatusCallback(context.Background(), StatusCallback{
		AttemptID: id, CallStatus: "no-answer",
	})

	require.NoError(t, err)
	assert.Equal(t, StatusVoiceNoAnswer, result.Status)
	require.Len(t, store.rows, 2)
	retry := store.rows[1]
	assert.Equal(t, ChannelVoice, retry.Channel)
	assert.Equal(t, 2, retry.AttemptNumber)
	assert.True(t, retry.ScheduledFor.Equal(testNow.Add(2*time.Minute)))
	assert.Equal(t, "no-answer", retry.Metadata["reason"])
}

func TestCallback_BusyOnSecondAttemptFallsBackToSMS(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	id := queueAttempt(store, 1, nil, ChannelVoice, 2, testNow)
	s := newTestScheduler(store, &fakeDispatcher{ready: true})

	_, err := s.HandleStatusCallback(context.Background(), StatusCallback{
		AttemptID: id, CallStatus: "busy",
	})

	require.NoError(t, err)
	assert.Equal(t, StatusVoiceFailed, store.byID(id).Status)
	require.Len(t, store.rows, 2)
	assert.Equal(t, ChannelSMS, store.rows[1].Channel)
}

func TestCallback_ProgressStatusKeepsAttemptOpen(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	id := queueAttempt(store, 1, nil, ChannelVoice, 1, testNow)
	s := newTestScheduler(store, &fakeDispatcher{ready: true})

	result, err := s.HandleStatusCallback(context.Background(), StatusCallback{
		AttemptID: id, CallStatus: "ringing",
	})

	require.NoError(t, err)
	assert.Equal(t, StatusCalling, result.Status)
	row := store.byID(id)
	assert.Equal(t, StatusCalling, row.Status)
	assert.Nil(t, row.FinishedAt)
	assert.Len(t, store.rows, 1, "progress updates never spawn follow-ups")
}

func TestCallback_LookupByProviderRef(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	id := queueAttempt(store, 1, nil, ChannelVoice, 1, testNow)
	ref := "CA0042"
	_ = store.UpdateAttempt(context.Background(), id, AttemptUpdate{Status: StatusCalling, ProviderRef: &ref})
	s := newTestScheduler(store, &fakeDispatcher{ready: true})

	result, err := s.HandleStatusCallback(context.Background(), StatusCallback{
		ProviderRef: ref, CallStatus: "completed",
	})

	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, id, result.AttemptID)
}

func TestCallback_UnknownAttemptIsNotAnError(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(store, &fakeDispatcher{ready: true})

	result, err := s.HandleStatusCallback(context.Background(), StatusCallback{
		AttemptID: 999, CallStatus: "completed",
	})

	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.NotEmpty(t, result.Message)
}

// =============================================================================
// ACTIVITY AND TEST CALLS
// =============================================================================

func TestActivity_ClampsPaging(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	for i := 0; i < 5; i++ {
		queueAttempt(store, 1, nil, ChannelVoice, 1, testNow)
	}
	s := newTestScheduler(store, &fakeDispatcher{ready: true})

	page, err := s.Activity(context.Background(), 1, ActivityFilter{Page: 0, PageSize: 9999})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, maxActivityPageSize, page.PageSize)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Items, 5)
	// Newest first.
	assert.Greater(t, page.Items[0].ID, page.Items[4].ID)
}

func TestActivity_FiltersByChannel(t *testing.T) {
	store := newMemStore()
	seedUser(store, 1, true, true)
	queueAttempt(store, 1, nil, ChannelVoice, 1, testNow)
	queueAttempt(store, 1, nil, ChannelSMS, 1, testNow)
	s := newTestScheduler(store, &fakeDispatcher{ready: true})

	page, err := s.Activity(context.Background(), 1, ActivityFilter{Channel: "sms", Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ChannelSMS, page.Items[0].Channel)
}

func TestTriggerTestCall_RejectsUnsupportedOffset(t *testing.T) {
	s := newTestScheduler(newMemStore(), &fakeDispatcher{ready: true})

	_, err := s.TriggerTestCall(context.Background(), 1, "+15550100", 45)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset")
}

func TestTriggerTestCall_DispatchesImmediately(t *testing.T) {
	store := newMemStore()
	disp := &fakeDispatcher{ready: true}
	s := newTestScheduler(store, disp)

	id, err := s.TriggerTestCall(context.Background(), 1, "+15550100", 30)
	require.NoError(t, err)

	row := store.byID(id)
	require.NotNil(t, row)
	assert.Equal(t, StatusCalling, row.Status)
	assert.NotEmpty(t, row.ProviderRef)
	assert.Equal(t, "test_call", row.Metadata["reason"])
	assert.Equal(t, []string{"+15550100"}, disp.voiceTo)
}

func TestTriggerTestCall_ProviderFailureRecordedOnLedger(t *testing.T) {
	store := newMemStore()
	disp := &fakeDispatcher{ready: true, voiceErr: &ProviderError{Code: "21211", Message: "Invalid phone number"}}
	s := newTestScheduler(store, disp)

	id, err := s.TriggerTestCall(context.Background(), 1, "not-a-number", 30)
	require.Error(t, err)

	row := store.byID(id)
	require.NotNil(t, row)
	assert.Equal(t, StatusVoiceFailed, row.Status)
	assert.Equal(t, "21211", row.ErrorCode)
}
