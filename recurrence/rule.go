/*
rule.go - Recurrence rule parsing and serialization

PURPOSE:
  Turns compact RRULE text (a subset of RFC 5545) into a structured Rule and
  back. Supported: FREQ=DAILY|WEEKLY|MONTHLY|YEARLY with INTERVAL, COUNT,
  UNTIL, BYDAY, BYMONTHDAY, WKST.

VALIDATION MODEL:
  Parse never returns an error. It returns a ParseResult: either a fully valid
  Rule, or Valid=false with the complete list of human-readable messages for
  the form/API layer. A partially valid rule is never surfaced.

SEE ALSO:
  - expand.go: consumes the parsed Rule
*/
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse parses recurrence rule text. Empty input is valid and yields a nil
// Rule (a non-recurring appointment). An optional leading "RRULE:" prefix is
// accepted; keys and values are case-insensitive.
func Parse(text string) ParseResult {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ParseResult{Valid: true}
	}

	body := trimmed
	if strings.HasPrefix(strings.ToUpper(trimmed), "RRULE:") {
		body = trimmed[len("RRULE:"):]
	}

	parsed := map[string]string{}
	var errors []string
	for _, part := range strings.Split(body, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			errors = append(errors, fmt.Sprintf("Invalid rule segment: %s", part))
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(part[:idx]))
		value := strings.ToUpper(strings.TrimSpace(part[idx+1:]))
		parsed[key] = value
	}

	freq := Frequency(parsed["FREQ"])
	if !supportedFrequencies[freq] {
		errors = append(errors, "RRULE must include a supported FREQ (DAILY, WEEKLY, MONTHLY, YEARLY).")
	}

	intervalRaw := parsed["INTERVAL"]
	if intervalRaw == "" {
		intervalRaw = "1"
	}
	interval, err := strconv.Atoi(intervalRaw)
	if err != nil || interval <= 0 {
		errors = append(errors, "INTERVAL must be a positive integer.")
	}

	count := 0
	if raw, ok := parsed["COUNT"]; ok {
		parsedCount, err := strconv.Atoi(raw)
		if err != nil || parsedCount <= 0 {
			errors = append(errors, "COUNT must be a positive integer.")
		} else {
			count = parsedCount
		}
	}

	var until *time.Time
	if raw, ok := parsed["UNTIL"]; ok {
		parsedUntil, valid := parseUntilDate(raw)
		if !valid {
			errors = append(errors, "UNTIL must be YYYY-MM-DD, YYYYMMDD, or YYYYMMDDTHHMMSSZ.")
		} else {
			until = &parsedUntil
		}
	}

	var byDay []string
	if raw, ok := parsed["BYDAY"]; ok {
		for _, item := range strings.Split(raw, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			byDay = append(byDay, item)
		}
		for _, code := range byDay {
			if _, ok := dayCodeToIndex[code]; !ok {
				errors = append(errors, "BYDAY contains unsupported values. Use SU,MO,TU,WE,TH,FR,SA.")
				break
			}
		}
	}

	var byMonthDay []int
	if raw, ok := parsed["BYMONTHDAY"]; ok {
		for _, item := range strings.Split(raw, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			value, err := strconv.Atoi(item)
			if err != nil {
				continue
			}
			byMonthDay = append(byMonthDay, value)
		}
		if len(byMonthDay) == 0 {
			errors = append(errors, "BYMONTHDAY must include one or more integer day values.")
		}
		for _, value := range byMonthDay {
			if value == 0 || value < -31 || value > 31 {
				errors = append(errors, "BYMONTHDAY values must be between -31 and 31, excluding 0.")
				break
			}
		}
	}

	weekStart := parsed["WKST"]
	if weekStart == "" {
		weekStart = "MO"
	}
	if _, ok := dayCodeToIndex[weekStart]; !ok {
		errors = append(errors, "WKST must be one of SU,MO,TU,WE,TH,FR,SA.")
	}

	if len(errors) > 0 {
		return ParseResult{Valid: false, Errors: errors}
	}

	return ParseResult{
		Valid: true,
		Rule: &Rule{
			Freq:       freq,
			Interval:   interval,
			Count:      count,
			Until:      until,
			ByDay:      byDay,
			ByMonthDay: byMonthDay,
			WeekStart:  weekStart,
		},
	}
}

// parseUntilDate accepts YYYY-MM-DD, YYYYMMDD, or YYYYMMDDTHHMMSSZ and
// reduces each to a UTC calendar date. Non-existent dates are rejected.
func parseUntilDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}

	layouts := []string{"20060102T150405Z", "20060102", dateLayout}
	for _, layout := range layouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

// String serializes the rule back to text: FREQ and INTERVAL first, then
// COUNT, UNTIL, BYDAY, BYMONTHDAY, WKST in that fixed order. WKST is always
// emitted so that serialize/parse round-trips are stable.
func (r *Rule) String() string {
	if r == nil {
		return ""
	}

	parts := []string{
		fmt.Sprintf("FREQ=%s", r.Freq),
		fmt.Sprintf("INTERVAL=%d", r.Interval),
	}
	if r.Count > 0 {
		parts = append(parts, fmt.Sprintf("COUNT=%d", r.Count))
	}
	if r.Until != nil {
		parts = append(parts, fmt.Sprintf("UNTIL=%s", formatDate(*r.Until)))
	}
	if len(r.ByDay) > 0 {
		parts = append(parts, fmt.Sprintf("BYDAY=%s", strings.Join(r.ByDay, ",")))
	}
	if len(r.ByMonthDay) > 0 {
		days := make([]string, len(r.ByMonthDay))
		for i, d := range r.ByMonthDay {
			days[i] = strconv.Itoa(d)
		}
		parts = append(parts, fmt.Sprintf("BYMONTHDAY=%s", strings.Join(days, ",")))
	}
	if r.WeekStart != "" {
		parts = append(parts, fmt.Sprintf("WKST=%s", r.WeekStart))
	}

	return strings.Join(parts, ";")
}
