/*
ics.go - Single-event iCalendar export

Produces a minimal RFC 5545 VCALENDAR with one VEVENT so an appointment can
be imported into external calendar apps. Recurring appointments carry their
rule as an RRULE property.
*/
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/appointment-engine/recurrence"
	"github.com/warp/appointment-engine/store/sqlite"
)

// buildICS renders one appointment as an iCalendar document.
func buildICS(a sqlite.Appointment) (string, error) {
	start, err := time.Parse("2006-01-02T15:04", a.Date+"T"+a.Time)
	if err != nil {
		return "", fmt.Errorf("appointment has an invalid start: %w", err)
	}
	end := start.Add(time.Duration(eventDurationMinutes(a)) * time.Minute)

	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//appointment-engine//EN",
		"BEGIN:VEVENT",
		fmt.Sprintf("UID:appointment-%d@appointment-engine", a.ID),
		"DTSTAMP:" + time.Now().UTC().Format("20060102T150405Z"),
		"DTSTART:" + start.Format("20060102T150405"),
		"DTEND:" + end.Format("20060102T150405"),
		"SUMMARY:" + escapeICSText(a.Title),
	}
	if a.Location != "" {
		lines = append(lines, "LOCATION:"+escapeICSText(a.Location))
	}
	if a.Notes != "" {
		lines = append(lines, "DESCRIPTION:"+escapeICSText(a.Notes))
	}
	if a.IsRecurring && a.RRule != "" {
		lines = append(lines, "RRULE:"+strings.TrimPrefix(strings.ToUpper(a.RRule), "RRULE:"))
	}
	lines = append(lines, "END:VEVENT", "END:VCALENDAR")

	return strings.Join(lines, "\r\n") + "\r\n", nil
}

// eventDurationMinutes mirrors the conflict detector's duration model: a
// recorded same-day end wins, everything else gets the default hour.
func eventDurationMinutes(a sqlite.Appointment) int {
	if a.OccurrenceEnd == "" {
		return recurrence.DefaultDurationMinutes
	}
	start, err := time.Parse("2006-01-02T15:04", a.Date+"T"+a.Time)
	if err != nil {
		return recurrence.DefaultDurationMinutes
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", time.RFC3339} {
		if end, err := time.Parse(layout, a.OccurrenceEnd); err == nil {
			delta := int(end.Sub(start) / time.Minute)
			if delta > 0 && delta <= 24*60 {
				return delta
			}
			break
		}
	}
	return recurrence.DefaultDurationMinutes
}

// escapeICSText escapes text per RFC 5545 section 3.3.11.
func escapeICSText(s string) string {
	r := strings.NewReplacer(
		"\\", "\\\\",
		";", "\\;",
		",", "\\,",
		"\r\n", "\\n",
		"\n", "\\n",
	)
	return r.Replace(s)
}
