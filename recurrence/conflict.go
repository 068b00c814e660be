/*
conflict.go - Time-overlap conflict detection

PURPOSE:
  Expands a candidate appointment and a set of existing appointments over a
  shared window and reports every pair of occurrences that overlap in time on
  the same date.

OVERLAP MODEL:
  Minute granularity, half-open intervals: [startA, endA) and [startB, endB)
  overlap iff startA < endB && startB < endA. Back-to-back occurrences (one
  ending exactly when the next begins) do not conflict.

  This is deliberately a full cross-product within the window, not a
  first-conflict-only check: callers may want to show every clash.
*/
package recurrence

import "time"

// conflictExpansionCap bounds per-appointment expansion during conflict
// checks; the caller supplies the (already bounded) window.
const conflictExpansionCap = 500

// DefaultDurationMinutes is assumed when an appointment has no usable end.
const DefaultDurationMinutes = 60

// DetectConflicts reports every overlap between occurrences of candidate and
// occurrences of the existing appointments inside [windowStart, windowEnd].
func DetectConflicts(candidate Appointment, existing []Appointment, windowStart, windowEnd string) []ConflictEntry {
	opts := ExpandOptions{MaxOccurrences: conflictExpansionCap}
	candidateOccurrences := Expand(candidate, windowStart, windowEnd, opts)
	candidateDuration := estimateDurationMinutes(candidate)

	conflicts := []ConflictEntry{}
	for _, other := range existing {
		otherOccurrences := Expand(other, windowStart, windowEnd, opts)
		otherDuration := estimateDurationMinutes(other)

		for _, left := range candidateOccurrences {
			for _, right := range otherOccurrences {
				if left.Date != right.Date {
					continue
				}
				if !overlapsSameDay(left.Time, candidateDuration, right.Time, otherDuration) {
					continue
				}
				conflicts = append(conflicts, ConflictEntry{
					CandidateOccurrenceKey: left.OccurrenceKey,
					WithAppointmentID:      right.AppointmentID,
					WithTitle:              right.Title,
					Date:                   left.Date,
					Time:                   left.Time,
				})
			}
		}
	}
	return conflicts
}

// estimateDurationMinutes derives a duration from the appointment's base
// start and its recorded end when both parse and the difference is a sane
// same-day span (0 < d <= 1440); otherwise DefaultDurationMinutes.
func estimateDurationMinutes(appt Appointment) int {
	if appt.OccurrenceEnd == "" {
		return DefaultDurationMinutes
	}
	start, err := time.Parse("2006-01-02T15:04", appt.Date+"T"+appt.Time)
	if err != nil {
		return DefaultDurationMinutes
	}
	end, ok := parseOccurrenceEnd(appt.OccurrenceEnd)
	if !ok {
		return DefaultDurationMinutes
	}
	delta := int(end.Sub(start).Round(time.Minute) / time.Minute)
	if delta > 0 && delta <= 24*60 {
		return delta
	}
	return DefaultDurationMinutes
}

func parseOccurrenceEnd(value string) (time.Time, bool) {
	layouts := []string{
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// overlapsSameDay compares two same-day time ranges given as HH:MM starts
// plus durations in minutes.
func overlapsSameDay(startTimeA string, durationA int, startTimeB string, durationB int) bool {
	startA, ok := parseClockMinutes(startTimeA)
	if !ok {
		return false
	}
	startB, ok := parseClockMinutes(startTimeB)
	if !ok {
		return false
	}
	endA := startA + durationA
	endB := startB + durationB
	return startA < endB && startB < endA
}
