/*
expand.go - Occurrence expansion

PURPOSE:
  Expands an appointment (with or without a recurrence rule) into the sorted,
  capped list of concrete occurrences that intersect a date window.

DESIGN:
  - One generator per frequency, dispatched by a switch on the Freq tag.
    All generators are pure and share a single emit function that applies the
    global stop conditions uniformly.
  - COUNT is counted across ALL generated candidates from the rule's start,
    not only those inside the window. A COUNT=5 rule therefore yields the
    same five dates no matter where the query window begins.
  - UNTIL halts generation at the first candidate past it.
  - MaxOccurrences is enforced before emitting each candidate, never after
    unbounded accumulation.

ERROR MODEL:
  Expand never fails. Malformed base dates, malformed windows, inverted
  windows, and invalid rules all degrade to an empty result: an empty
  calendar is always a safe default.

SEE ALSO:
  - rule.go: Parse
  - conflict.go: pairwise overlap detection on expanded occurrences
*/
package recurrence

import (
	"sort"
	"time"
)

// Expand produces the occurrences of appt that fall inside the inclusive
// [windowStart, windowEnd] date window, sorted ascending by date then time
// and truncated to opts.MaxOccurrences.
func Expand(appt Appointment, windowStart, windowEnd string, opts ExpandOptions) []Occurrence {
	maxOccurrences := opts.MaxOccurrences
	if maxOccurrences <= 0 {
		maxOccurrences = DefaultMaxOccurrences
	}

	base, ok := parseDate(appt.Date)
	if !ok {
		return nil
	}
	start, ok := parseDate(windowStart)
	if !ok {
		return nil
	}
	end, ok := parseDate(windowEnd)
	if !ok {
		return nil
	}
	if start.After(end) {
		return nil
	}

	if !appt.IsRecurring || appt.RRule == "" {
		if base.Before(start) || base.After(end) {
			return nil
		}
		return []Occurrence{makeOccurrence(appt, base, base)}
	}

	parsed := Parse(appt.RRule)
	if !parsed.Valid || parsed.Rule == nil {
		return nil
	}

	dates := generateDates(base, parsed.Rule, start, end, maxOccurrences)
	occurrences := make([]Occurrence, 0, len(dates))
	for _, d := range dates {
		occurrences = append(occurrences, makeOccurrence(appt, d, base))
	}

	sort.Slice(occurrences, func(i, j int) bool {
		if occurrences[i].Date != occurrences[j].Date {
			return occurrences[i].Date < occurrences[j].Date
		}
		return occurrences[i].Time < occurrences[j].Time
	})
	if len(occurrences) > maxOccurrences {
		occurrences = occurrences[:maxOccurrences]
	}
	return occurrences
}

func makeOccurrence(appt Appointment, date, base time.Time) Occurrence {
	dateString := formatDate(date)
	return Occurrence{
		AppointmentID:  appt.ID,
		Title:          appt.Title,
		Date:           dateString,
		Time:           appt.Time,
		OccurrenceKey:  OccurrenceKey(appt.ID, dateString, appt.Time),
		IsBaseInstance: date.Equal(base),
	}
}

// =============================================================================
// GENERATORS
// =============================================================================

// emitter applies the global stop conditions: UNTIL ceiling, absolute-start
// COUNT ceiling, and the MaxOccurrences hard cap. emit returns false when
// generation must halt.
type emitter struct {
	rule           *Rule
	windowStart    time.Time
	windowEnd      time.Time
	maxOccurrences int

	generated int
	dates     []time.Time
}

func (e *emitter) emit(candidate time.Time) bool {
	if e.rule.Until != nil && candidate.After(*e.rule.Until) {
		return false
	}
	e.generated++
	if e.rule.Count > 0 && e.generated > e.rule.Count {
		return false
	}
	if !candidate.Before(e.windowStart) && !candidate.After(e.windowEnd) {
		e.dates = append(e.dates, candidate)
	}
	return len(e.dates) < e.maxOccurrences
}

func generateDates(base time.Time, rule *Rule, windowStart, windowEnd time.Time, maxOccurrences int) []time.Time {
	e := &emitter{
		rule:           rule,
		windowStart:    windowStart,
		windowEnd:      windowEnd,
		maxOccurrences: maxOccurrences,
	}

	switch rule.Freq {
	case FreqDaily:
		generateDaily(e, base, rule)
	case FreqWeekly:
		generateWeekly(e, base, rule)
	case FreqMonthly:
		generateMonthly(e, base, rule)
	case FreqYearly:
		generateYearly(e, base, rule)
	}

	return e.dates
}

// generateDaily steps the cursor by interval days from the base date and
// filters candidates by BYDAY and BYMONTHDAY.
func generateDaily(e *emitter, base time.Time, rule *Rule) {
	for cursor := base; !cursor.After(e.windowEnd); cursor = cursor.AddDate(0, 0, rule.Interval) {
		if !matchesByDay(cursor, rule.ByDay) || !matchesByMonthDay(cursor, rule.ByMonthDay) {
			continue
		}
		if !e.emit(cursor) {
			return
		}
		if rule.Until != nil && cursor.After(*rule.Until) {
			return
		}
	}
}

// generateWeekly aligns to the WKST week start and, for each interval-th week
// at or after the base week, emits one candidate per active weekday, skipping
// candidates before the base date.
func generateWeekly(e *emitter, base time.Time, rule *Rule) {
	weekStartIdx := dayCodeToIndex[rule.WeekStart]
	baseWeekStart := weekStartOf(base, weekStartIdx)

	var offsets []int
	if len(rule.ByDay) > 0 {
		for _, code := range rule.ByDay {
			offsets = append(offsets, (dayCodeToIndex[code]-weekStartIdx+7)%7)
		}
		sort.Ints(offsets)
	} else {
		offsets = []int{(int(base.Weekday()) - weekStartIdx + 7) % 7}
	}

	for weekCursor := baseWeekStart; !weekCursor.After(e.windowEnd); weekCursor = weekCursor.AddDate(0, 0, 7*rule.Interval) {
		for _, offset := range offsets {
			candidate := weekCursor.AddDate(0, 0, offset)
			if candidate.Before(base) {
				continue
			}
			if !matchesByMonthDay(candidate, rule.ByMonthDay) {
				continue
			}
			if !e.emit(candidate) {
				return
			}
		}
		if rule.Until != nil && weekCursor.After(*rule.Until) {
			return
		}
	}
}

// generateMonthly steps by interval months. Candidate days come from
// BYMONTHDAY (negative values resolved against the month's last day) or the
// base day-of-month clamped to the month's real length, optionally filtered
// by BYDAY.
func generateMonthly(e *emitter, base time.Time, rule *Rule) {
	year, month := base.Year(), base.Month()
	for {
		firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		if firstOfMonth.After(e.windowEnd) {
			return
		}
		lastDay := daysInMonth(year, month)

		days := candidateMonthDays(base.Day(), lastDay, rule.ByMonthDay)
		for _, day := range days {
			candidate := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
			if candidate.Before(base) {
				continue
			}
			if !matchesByDay(candidate, rule.ByDay) {
				continue
			}
			if !e.emit(candidate) {
				return
			}
		}

		if rule.Until != nil && firstOfMonth.After(*rule.Until) {
			return
		}
		month += time.Month(rule.Interval)
		for month > 12 {
			month -= 12
			year++
		}
	}
}

// candidateMonthDays resolves the concrete day numbers to try in a month of
// lastDay days. Duplicates after resolution are dropped; resolved values
// above the month length are clamped to it, non-positive resolutions are
// skipped.
func candidateMonthDays(baseDay, lastDay int, byMonthDay []int) []int {
	if len(byMonthDay) == 0 {
		if baseDay > lastDay {
			baseDay = lastDay
		}
		return []int{baseDay}
	}

	seen := map[int]bool{}
	var days []int
	for _, value := range byMonthDay {
		day := value
		if value < 0 {
			day = lastDay + value + 1
		}
		if day > lastDay {
			day = lastDay
		}
		if day <= 0 || seen[day] {
			continue
		}
		seen[day] = true
		days = append(days, day)
	}
	sort.Ints(days)
	return days
}

// generateYearly steps by interval years, preserving the base month/day
// (clamped for short months), optionally overridden by the first BYMONTHDAY
// entry and filtered by BYDAY.
func generateYearly(e *emitter, base time.Time, rule *Rule) {
	for year := base.Year(); ; year += rule.Interval {
		firstOfYear := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		if firstOfYear.After(e.windowEnd) {
			return
		}

		lastDay := daysInMonth(year, base.Month())
		day := base.Day()
		if len(rule.ByMonthDay) > 0 {
			value := rule.ByMonthDay[0]
			resolved := value
			if value < 0 {
				resolved = lastDay + value + 1
			}
			if resolved > 0 && resolved <= lastDay {
				day = resolved
			}
		}
		if day > lastDay {
			day = lastDay
		}

		candidate := time.Date(year, base.Month(), day, 0, 0, 0, 0, time.UTC)
		if !candidate.Before(base) && matchesByDay(candidate, rule.ByDay) {
			if !e.emit(candidate) {
				return
			}
		}
		if rule.Until != nil && candidate.After(*rule.Until) {
			return
		}
	}
}

// =============================================================================
// FILTERS
// =============================================================================

func matchesByDay(t time.Time, byDay []string) bool {
	if len(byDay) == 0 {
		return true
	}
	code := indexToDayCode[int(t.Weekday())]
	for _, c := range byDay {
		if c == code {
			return true
		}
	}
	return false
}

// matchesByMonthDay supports negative-from-end indexing against the
// candidate's own month length.
func matchesByMonthDay(t time.Time, byMonthDay []int) bool {
	if len(byMonthDay) == 0 {
		return true
	}
	day := t.Day()
	lastDay := daysInMonth(t.Year(), t.Month())
	for _, value := range byMonthDay {
		if value > 0 && value == day {
			return true
		}
		if value < 0 && lastDay+value+1 == day {
			return true
		}
	}
	return false
}
