/*
callback.go - Provider voice status callbacks

PURPOSE:
  Applies a provider's asynchronous call-status report to the attempt ledger.
  Failure outcomes run through the same NextAction policy as synchronous
  dispatch errors, so "the line was busy" and "the API rejected the call"
  escalate identically.
*/
package reminder

import (
	"context"
	"fmt"
	"log"
)

// HandleStatusCallback resolves the attempt (by id first, then by provider
// reference), maps the provider status, and advances the state machine. An
// unmatched callback is reported in the result, not as an error; providers
// retry on non-2xx and there is nothing to retry into.
func (s *Scheduler) HandleStatusCallback(ctx context.Context, cb StatusCallback) (CallbackResult, error) {
	attempt, err := s.resolveAttempt(ctx, cb)
	if err != nil {
		return CallbackResult{}, err
	}
	if attempt == nil {
		log.Printf("[ReminderScheduler] callback for unknown attempt (id=%d ref=%q)", cb.AttemptID, cb.ProviderRef)
		return CallbackResult{OK: false, Message: "No matching reminder attempt."}, nil
	}

	now := s.now()
	mapped := MapCallStatus(cb.CallStatus)
	meta := map[string]any{"callbackStatus": cb.CallStatus}

	switch mapped {
	case StatusCompleted:
		finishedAt := now
		update := AttemptUpdate{
			Status:     StatusCompleted,
			FinishedAt: &finishedAt,
			Metadata:   meta,
		}
		if cb.ProviderRef != "" {
			ref := cb.ProviderRef
			update.ProviderRef = &ref
		}
		if err := s.store.UpdateAttempt(ctx, attempt.ID, update); err != nil {
			return CallbackResult{}, fmt.Errorf("recording completed call: %w", err)
		}

	case StatusVoiceNoAnswer, StatusVoiceFailed:
		finishedAt := now
		update := AttemptUpdate{
			Status:     mapped,
			FinishedAt: &finishedAt,
			Metadata:   meta,
		}
		if cb.ErrorCode != "" {
			code := cb.ErrorCode
			update.ErrorCode = &code
		}
		if cb.ErrorMessage != "" {
			msg := cb.ErrorMessage
			if len(msg) > maxErrorMessageLen {
				msg = msg[:maxErrorMessageLen]
			}
			update.ErrorMessage = &msg
		}
		if err := s.store.UpdateAttempt(ctx, attempt.ID, update); err != nil {
			return CallbackResult{}, fmt.Errorf("recording call failure: %w", err)
		}
		s.applyFailurePolicy(ctx, *attempt, now, cb.CallStatus)

	case StatusCalling:
		update := AttemptUpdate{Status: StatusCalling, Metadata: meta}
		if attempt.StartedAt == nil {
			startedAt := now
			update.StartedAt = &startedAt
		}
		if err := s.store.UpdateAttempt(ctx, attempt.ID, update); err != nil {
			return CallbackResult{}, fmt.Errorf("recording call progress: %w", err)
		}
	}

	log.Printf("[ReminderScheduler] callback %q moved attempt %d to %s", cb.CallStatus, attempt.ID, mapped)
	return CallbackResult{OK: true, AttemptID: attempt.ID, Status: mapped}, nil
}

func (s *Scheduler) resolveAttempt(ctx context.Context, cb StatusCallback) (*AttemptContext, error) {
	if cb.AttemptID > 0 {
		attempt, err := s.store.AttemptByID(ctx, cb.AttemptID)
		if err != nil {
			return nil, fmt.Errorf("looking up attempt %d: %w", cb.AttemptID, err)
		}
		if attempt != nil {
			return attempt, nil
		}
	}
	if cb.ProviderRef != "" {
		attempt, err := s.store.AttemptByProviderRef(ctx, cb.ProviderRef)
		if err != nil {
			return nil, fmt.Errorf("looking up attempt by provider ref: %w", err)
		}
		return attempt, nil
	}
	return nil, nil
}

// =============================================================================
// ACTIVITY AND TEST CALLS
// =============================================================================

const (
	defaultActivityPageSize = 20
	maxActivityPageSize     = 100
)

// Activity returns one page of the user's reminder history, newest first.
// Page and page size are clamped to sane bounds rather than rejected.
func (s *Scheduler) Activity(ctx context.Context, userID int64, filter ActivityFilter) (ActivityPage, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = defaultActivityPageSize
	}
	if filter.PageSize > maxActivityPageSize {
		filter.PageSize = maxActivityPageSize
	}
	return s.store.Activity(ctx, userID, filter)
}

// TriggerTestCall queues and immediately dispatches a one-off voice attempt
// so a user can verify their phone setup. Only the offsets exposed in the
// product UI are accepted.
func (s *Scheduler) TriggerTestCall(ctx context.Context, userID int64, phoneNumber string, offsetMinutes int) (int64, error) {
	if offsetMinutes != 30 && offsetMinutes != 60 {
		return 0, fmt.Errorf("unsupported test call offset %d (want 30 or 60)", offsetMinutes)
	}
	if s.dispatcher == nil || !s.dispatcher.Ready() {
		return 0, fmt.Errorf("dispatch provider is not configured")
	}

	now := s.now()
	id, err := s.store.CreateAttempt(ctx, NewAttempt{
		UserID:        userID,
		Channel:       ChannelVoice,
		AttemptNumber: 1,
		ScheduledFor:  now,
		Status:        StatusQueued,
		Metadata:      map[string]any{"reason": "test_call", "offsetMinutes": offsetMinutes},
	})
	if err != nil {
		return 0, fmt.Errorf("queueing test call: %w", err)
	}

	callbackURL := fmt.Sprintf("%s/callbacks/voice-status?attempt_id=%d", s.cfg.CallbackBaseURL, id)
	ref, err := s.dispatcher.CreateVoiceCall(ctx, phoneNumber, callbackURL, map[string]string{
		"attemptId": fmt.Sprintf("%d", id),
		"userId":    fmt.Sprintf("%d", userID),
		"reason":    "test_call",
	})
	if err != nil {
		code, message := providerErrorParts(err)
		finishedAt := now
		if updErr := s.store.UpdateAttempt(ctx, id, AttemptUpdate{
			Status:       StatusVoiceFailed,
			ErrorCode:    &code,
			ErrorMessage: &message,
			FinishedAt:   &finishedAt,
		}); updErr != nil {
			log.Printf("[ReminderScheduler] recording test call failure for attempt %d: %v", id, updErr)
		}
		return id, fmt.Errorf("placing test call: %w", err)
	}

	startedAt := now
	if err := s.store.UpdateAttempt(ctx, id, AttemptUpdate{
		Status:      StatusCalling,
		ProviderRef: &ref,
		StartedAt:   &startedAt,
	}); err != nil {
		return id, fmt.Errorf("recording test call start: %w", err)
	}
	return id, nil
}
