/*
scheduler.go - Periodic reminder tick loop

PURPOSE:
  Runs every TickInterval and performs two phases in order:
    1. queue initial voice attempts for voice-enabled appointments whose lead
       time has arrived (idempotent per appointment)
    2. dispatch every queued attempt whose scheduledFor has arrived, serially,
       ordered by (scheduledFor, id)

DESIGN:
  Ticks never overlap. The cron job is wrapped in SkipIfStillRunning and
  manual Tick calls share the same guard, so a slow provider can delay
  dispatch but never double it.

  Dispatch outcomes are written back to the ledger immediately; follow-up
  attempts (voice retry, SMS fallback) are new rows decided by
  policy.NextAction, never mutations of the failed row.

SEE ALSO:
  - callback.go: the asynchronous half of the state machine
  - policy.go:   quiet hours and escalation decisions
*/
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	DefaultTickInterval      = 60 * time.Second
	DefaultLookaheadMinutes  = 180
	DefaultOffsetMinutes     = 30
	DefaultVoiceRetryDelay   = 2 * time.Minute
	DefaultMaxQuietDeferrals = 8

	// maxErrorMessageLen bounds what we persist from provider errors.
	maxErrorMessageLen = 500
)

// Config tunes the scheduler. Zero values take the defaults above.
type Config struct {
	TickInterval     time.Duration
	LookaheadMinutes int
	OffsetMinutes    int // default reminder lead time when the appointment has none
	VoiceRetryDelay  time.Duration

	// MaxQuietDeferrals caps how many times one attempt can be pushed past a
	// quiet-hours window before it is cancelled instead of starving forever.
	MaxQuietDeferrals int

	// CallbackBaseURL is the public base URL the provider posts voice status
	// callbacks to, e.g. "https://example.com".
	CallbackBaseURL string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.LookaheadMinutes <= 0 {
		c.LookaheadMinutes = DefaultLookaheadMinutes
	}
	if c.OffsetMinutes <= 0 {
		c.OffsetMinutes = DefaultOffsetMinutes
	}
	if c.VoiceRetryDelay <= 0 {
		c.VoiceRetryDelay = DefaultVoiceRetryDelay
	}
	if c.MaxQuietDeferrals <= 0 {
		c.MaxQuietDeferrals = DefaultMaxQuietDeferrals
	}
	return c
}

// =============================================================================
// SCHEDULER
// =============================================================================

// Scheduler owns the reminder tick loop and the callback handler.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	cfg        Config

	// now is swappable in tests.
	now func() time.Time

	cron *cron.Cron
	job  cron.Job

	tickGate       chan struct{}
	warnedNotReady bool
}

// New builds a stopped scheduler. Call Start to begin ticking, or Tick
// directly for a single pass.
func New(store Store, dispatcher Dispatcher, cfg Config) *Scheduler {
	s := &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		tickGate:   make(chan struct{}, 1),
	}
	s.tickGate <- struct{}{}
	return s
}

// Start begins the periodic tick and fires an immediate first pass in the
// background. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	if s.cron != nil {
		return
	}
	s.cron = cron.New()
	s.job = cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).
		Then(cron.FuncJob(func() { s.Tick(context.Background()) }))
	spec := fmt.Sprintf("@every %s", s.cfg.TickInterval)
	if _, err := s.cron.AddJob(spec, s.job); err != nil {
		log.Printf("[ReminderScheduler] failed to schedule tick: %v", err)
		s.cron = nil
		return
	}
	s.cron.Start()
	go s.job.Run()
	log.Printf("[ReminderScheduler] started (every %s, lookahead %dm)", s.cfg.TickInterval, s.cfg.LookaheadMinutes)
}

// Stop halts the periodic tick and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	log.Printf("[ReminderScheduler] stopped")
}

// Tick runs one scheduling pass. Overlapping calls return immediately
// without doing work.
func (s *Scheduler) Tick(ctx context.Context) {
	select {
	case <-s.tickGate:
	default:
		return
	}
	defer func() { s.tickGate <- struct{}{} }()

	if err := s.queueInitialAttempts(ctx); err != nil {
		log.Printf("[ReminderScheduler] queueing initial attempts: %v", err)
	}
	if err := s.processDueAttempts(ctx); err != nil {
		log.Printf("[ReminderScheduler] processing due attempts: %v", err)
	}
}

// =============================================================================
// PHASE 1: QUEUE INITIAL ATTEMPTS
// =============================================================================

func (s *Scheduler) queueInitialAttempts(ctx context.Context) error {
	now := s.now()
	windowEnd := now.Add(time.Duration(s.cfg.LookaheadMinutes) * time.Minute)

	appointments, err := s.store.UpcomingAppointments(ctx,
		now.Format("2006-01-02"), windowEnd.Format("2006-01-02"))
	if err != nil {
		return fmt.Errorf("fetching upcoming appointments: %w", err)
	}

	for _, appt := range appointments {
		if !appt.VoiceEnabled {
			continue
		}
		startAt, err := time.ParseInLocation("2006-01-02T15:04", appt.Date+"T"+appt.Time, now.Location())
		if err != nil {
			continue
		}
		if !startAt.After(now) {
			continue
		}

		offset := s.cfg.OffsetMinutes
		if appt.ReminderMinutes != nil && *appt.ReminderMinutes > 0 {
			offset = *appt.ReminderMinutes
		}
		// Queue only once the lead time has arrived. Until then the
		// appointment is re-evaluated from live data on every tick, so a
		// reschedule or delete before remindAt never leaves a stale row.
		remindAt := startAt.Add(-time.Duration(offset) * time.Minute)
		if remindAt.After(now) {
			continue
		}

		exists, err := s.store.HasInitialVoiceAttempt(ctx, appt.ID)
		if err != nil {
			log.Printf("[ReminderScheduler] idempotency check for appointment %d: %v", appt.ID, err)
			continue
		}
		if exists {
			continue
		}

		apptID := appt.ID
		_, err = s.store.CreateAttempt(ctx, NewAttempt{
			UserID:        appt.UserID,
			AppointmentID: &apptID,
			Channel:       ChannelVoice,
			AttemptNumber: 1,
			ScheduledFor:  remindAt,
			Status:        StatusQueued,
			Metadata:      map[string]any{"offsetMinutes": offset},
		})
		if err != nil {
			log.Printf("[ReminderScheduler] queueing reminder for appointment %d: %v", appt.ID, err)
			continue
		}
		log.Printf("[ReminderScheduler] queued voice reminder for appointment %d at %s",
			appt.ID, remindAt.Format(time.RFC3339))
	}
	return nil
}

// =============================================================================
// PHASE 2: DISPATCH DUE ATTEMPTS
// =============================================================================

func (s *Scheduler) processDueAttempts(ctx context.Context) error {
	due, err := s.store.DueAttempts(ctx, s.now())
	if err != nil {
		return fmt.Errorf("fetching due attempts: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	if s.dispatcher == nil || !s.dispatcher.Ready() {
		if !s.warnedNotReady {
			log.Printf("[ReminderScheduler] dispatch provider not configured; %d attempt(s) held in queue", len(due))
			s.warnedNotReady = true
		}
		return nil
	}
	s.warnedNotReady = false

	for _, attempt := range due {
		s.dispatchAttempt(ctx, attempt)
	}
	return nil
}

func (s *Scheduler) dispatchAttempt(ctx context.Context, attempt AttemptContext) {
	now := s.now()

	if attempt.AppointmentID != nil && attempt.AppointmentCompleted {
		s.cancelAttempt(ctx, attempt.ID, now, "Appointment already completed.")
		return
	}

	if WithinQuietHours(now, attempt.UserQuietHoursStart, attempt.UserQuietHoursEnd) {
		s.deferForQuietHours(ctx, attempt, now)
		return
	}

	if attempt.Channel == ChannelVoice && !attempt.UserVoiceEnabled {
		s.cancelAttempt(ctx, attempt.ID, now, "Voice reminders are disabled for user.")
		return
	}
	if attempt.Channel == ChannelSMS && !attempt.UserSMSEnabled {
		s.cancelAttempt(ctx, attempt.ID, now, "SMS reminders are disabled for user.")
		return
	}

	switch attempt.Channel {
	case ChannelVoice:
		s.dispatchVoice(ctx, attempt, now)
	case ChannelSMS:
		s.dispatchSMS(ctx, attempt, now)
	default:
		s.cancelAttempt(ctx, attempt.ID, now, "Unknown reminder channel.")
	}
}

func (s *Scheduler) dispatchVoice(ctx context.Context, attempt AttemptContext, now time.Time) {
	callbackURL := fmt.Sprintf("%s/callbacks/voice-status?attempt_id=%d", s.cfg.CallbackBaseURL, attempt.ID)
	meta := map[string]string{
		"attemptId": fmt.Sprintf("%d", attempt.ID),
		"userId":    fmt.Sprintf("%d", attempt.UserID),
	}
	if attempt.AppointmentID != nil {
		meta["appointmentId"] = fmt.Sprintf("%d", *attempt.AppointmentID)
	}

	ref, err := s.dispatcher.CreateVoiceCall(ctx, attempt.UserPhoneNumber, callbackURL, meta)
	if err != nil {
		s.recordDispatchFailure(ctx, attempt, now, err)
		return
	}

	startedAt := now
	err = s.store.UpdateAttempt(ctx, attempt.ID, AttemptUpdate{
		Status:      StatusCalling,
		ProviderRef: &ref,
		StartedAt:   &startedAt,
	})
	if err != nil {
		log.Printf("[ReminderScheduler] recording call start for attempt %d: %v", attempt.ID, err)
		return
	}
	log.Printf("[ReminderScheduler] voice call placed for attempt %d (ref %s)", attempt.ID, ref)
}

func (s *Scheduler) dispatchSMS(ctx context.Context, attempt AttemptContext, now time.Time) {
	body := smsBody(attempt)
	ref, err := s.dispatcher.CreateTextMessage(ctx, attempt.UserPhoneNumber, body)
	if err != nil {
		s.recordDispatchFailure(ctx, attempt, now, err)
		return
	}

	startedAt := now
	finishedAt := now
	err = s.store.UpdateAttempt(ctx, attempt.ID, AttemptUpdate{
		Status:      StatusSMSSent,
		ProviderRef: &ref,
		StartedAt:   &startedAt,
		FinishedAt:  &finishedAt,
	})
	if err != nil {
		log.Printf("[ReminderScheduler] recording SMS send for attempt %d: %v", attempt.ID, err)
		return
	}
	log.Printf("[ReminderScheduler] SMS sent for attempt %d (ref %s)", attempt.ID, ref)
}

// recordDispatchFailure marks the attempt failed and applies the escalation
// policy. SMS failures cancel rather than fail so the chain always ends.
func (s *Scheduler) recordDispatchFailure(ctx context.Context, attempt AttemptContext, now time.Time, dispatchErr error) {
	status := StatusVoiceFailed
	if attempt.Channel == ChannelSMS {
		status = StatusCancelled
	}

	code, message := providerErrorParts(dispatchErr)
	finishedAt := now
	err := s.store.UpdateAttempt(ctx, attempt.ID, AttemptUpdate{
		Status:       status,
		ErrorCode:    &code,
		ErrorMessage: &message,
		FinishedAt:   &finishedAt,
	})
	if err != nil {
		log.Printf("[ReminderScheduler] recording dispatch failure for attempt %d: %v", attempt.ID, err)
		return
	}
	log.Printf("[ReminderScheduler] dispatch failed for attempt %d (%s): %s", attempt.ID, attempt.Channel, message)

	if attempt.Channel == ChannelVoice {
		s.applyFailurePolicy(ctx, attempt, now, "api_error")
	}
}

// applyFailurePolicy queues the follow-up attempt NextAction decides on, if
// any. reason lands in the new row's metadata for the activity history.
func (s *Scheduler) applyFailurePolicy(ctx context.Context, attempt AttemptContext, now time.Time, reason string) {
	action := NextAction(attempt.Channel, attempt.AttemptNumber, attempt.UserVoiceEnabled, attempt.UserSMSEnabled)

	switch action {
	case ActionRetryVoice:
		_, err := s.store.CreateAttempt(ctx, NewAttempt{
			UserID:        attempt.UserID,
			AppointmentID: attempt.AppointmentID,
			Channel:       ChannelVoice,
			AttemptNumber: attempt.AttemptNumber + 1,
			ScheduledFor:  now.Add(s.cfg.VoiceRetryDelay),
			Status:        StatusQueued,
			Metadata: map[string]any{
				"reason":          reason,
				"parentAttemptId": attempt.ID,
			},
		})
		if err != nil {
			log.Printf("[ReminderScheduler] queueing voice retry for attempt %d: %v", attempt.ID, err)
			return
		}
		log.Printf("[ReminderScheduler] queued voice retry after attempt %d", attempt.ID)

	case ActionFallbackSMS:
		_, err := s.store.CreateAttempt(ctx, NewAttempt{
			UserID:        attempt.UserID,
			AppointmentID: attempt.AppointmentID,
			Channel:       ChannelSMS,
			AttemptNumber: 1,
			ScheduledFor:  now,
			Status:        StatusQueued,
			Metadata: map[string]any{
				"reason":          "voice_" + reason,
				"parentAttemptId": attempt.ID,
			},
		})
		if err != nil {
			log.Printf("[ReminderScheduler] queueing SMS fallback for attempt %d: %v", attempt.ID, err)
			return
		}
		log.Printf("[ReminderScheduler] queued SMS fallback after attempt %d", attempt.ID)

	case ActionStop:
		// Chain ends here.
	}
}

// =============================================================================
// QUIET HOURS DEFERRAL
// =============================================================================

func (s *Scheduler) deferForQuietHours(ctx context.Context, attempt AttemptContext, now time.Time) {
	deferrals := 0
	if v, ok := attempt.Metadata["deferralCount"]; ok {
		switch n := v.(type) {
		case float64:
			deferrals = int(n)
		case int:
			deferrals = n
		}
	}
	if deferrals >= s.cfg.MaxQuietDeferrals {
		s.cancelAttempt(ctx, attempt.ID, now, "Quiet-hours deferral limit reached.")
		return
	}

	next := QuietHoursEndAfter(now, attempt.UserQuietHoursStart, attempt.UserQuietHoursEnd)
	err := s.store.RescheduleAttempt(ctx, attempt.ID, next, map[string]any{
		"deferredFrom":  now.Format(time.RFC3339),
		"deferredTo":    next.Format(time.RFC3339),
		"reason":        "quiet_hours",
		"deferralCount": deferrals + 1,
	})
	if err != nil {
		log.Printf("[ReminderScheduler] deferring attempt %d past quiet hours: %v", attempt.ID, err)
		return
	}
	log.Printf("[ReminderScheduler] attempt %d deferred to %s (quiet hours)", attempt.ID, next.Format(time.RFC3339))
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Scheduler) cancelAttempt(ctx context.Context, id int64, now time.Time, message string) {
	finishedAt := now
	err := s.store.UpdateAttempt(ctx, id, AttemptUpdate{
		Status:       StatusCancelled,
		ErrorMessage: &message,
		FinishedAt:   &finishedAt,
	})
	if err != nil {
		log.Printf("[ReminderScheduler] cancelling attempt %d: %v", id, err)
		return
	}
	log.Printf("[ReminderScheduler] attempt %d cancelled: %s", id, message)
}

func providerErrorParts(err error) (code, message string) {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		code = provErr.Code
		message = provErr.Message
	} else {
		message = err.Error()
	}
	if len(message) > maxErrorMessageLen {
		message = message[:maxErrorMessageLen]
	}
	return code, message
}

func smsBody(attempt AttemptContext) string {
	title := attempt.AppointmentTitle
	if title == "" {
		title = "your appointment"
	}
	if attempt.AppointmentDate == "" || attempt.AppointmentTime == "" {
		return fmt.Sprintf("Reminder: %s is coming up soon.", title)
	}
	return fmt.Sprintf("Reminder: %s on %s at %s.", title, attempt.AppointmentDate, attempt.AppointmentTime)
}
