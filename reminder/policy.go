/*
policy.go - Retry/fallback decisions, quiet hours, provider status mapping

PURPOSE:
  Pure decision logic shared by the tick path (scheduler.go) and the callback
  path (callback.go). Both paths call NextAction with the same inputs so a
  synchronous dispatch error and an asynchronous no-answer callback produce
  the same follow-up behavior.

DESIGN:
  No store or clock access here. Everything takes plain values and returns
  plain values, which keeps the state machine testable without a database.
*/
package reminder

import (
	"regexp"
	"time"
)

// maxVoiceAttempts is the total number of voice tries per appointment
// (the initial call plus one retry).
const maxVoiceAttempts = 2

// Action is the follow-up decided after a failed attempt.
type Action string

const (
	// ActionRetryVoice queues another voice attempt after a short delay.
	ActionRetryVoice Action = "retry_voice"
	// ActionFallbackSMS queues an immediate SMS attempt.
	ActionFallbackSMS Action = "fallback_sms"
	// ActionStop ends the escalation chain for this appointment.
	ActionStop Action = "stop"
)

// NextAction decides what follows a failed attempt. Voice failures retry
// while the attempt budget allows, then fall back to SMS when that channel
// is enabled. A failed SMS never escalates further.
func NextAction(channel Channel, attemptNumber int, voiceEnabled, smsEnabled bool) Action {
	if channel != ChannelVoice {
		return ActionStop
	}
	if voiceEnabled && attemptNumber < maxVoiceAttempts {
		return ActionRetryVoice
	}
	if smsEnabled {
		return ActionFallbackSMS
	}
	return ActionStop
}

// =============================================================================
// PROVIDER CALL STATUS MAPPING
// =============================================================================

// MapCallStatus translates a provider call status string into an attempt
// status. Unknown strings map to voice_failed so an unexpected provider
// value can never leave an attempt stuck in a non-terminal state.
func MapCallStatus(callStatus string) Status {
	switch callStatus {
	case "completed":
		return StatusCompleted
	case "no-answer":
		return StatusVoiceNoAnswer
	case "busy", "failed", "canceled":
		return StatusVoiceFailed
	case "queued", "initiated", "ringing", "in-progress", "answered":
		return StatusCalling
	default:
		return StatusVoiceFailed
	}
}

// =============================================================================
// QUIET HOURS
// =============================================================================

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

func clockMinutes(value string) (int, bool) {
	if !clockPattern.MatchString(value) {
		return 0, false
	}
	h := int(value[0]-'0')*10 + int(value[1]-'0')
	m := int(value[3]-'0')*10 + int(value[4]-'0')
	return h*60 + m, true
}

// WithinQuietHours reports whether now falls inside the user's quiet window.
// An equal start and end means quiet hours cover the whole day; a start after
// the end means the window wraps past midnight.
func WithinQuietHours(now time.Time, start, end string) bool {
	startMin, okStart := clockMinutes(start)
	endMin, okEnd := clockMinutes(end)
	if !okStart || !okEnd {
		return false
	}
	nowMin := now.Hour()*60 + now.Minute()
	switch {
	case startMin == endMin:
		return true
	case startMin < endMin:
		return nowMin >= startMin && nowMin < endMin
	default:
		return nowMin >= startMin || nowMin < endMin
	}
}

// QuietHoursEndAfter returns the next moment at or after now when the quiet
// window ends: today's end time, or tomorrow's if today's has already passed.
func QuietHoursEndAfter(now time.Time, start, end string) time.Time {
	endMin, ok := clockMinutes(end)
	if !ok {
		return now
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), endMin/60, endMin%60, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
