package recurrence

import (
	"fmt"
	"time"
)

// =============================================================================
// FREQUENCIES AND WEEKDAYS
// =============================================================================

// Frequency is the repeat unit of a rule.
type Frequency string

const (
	FreqDaily   Frequency = "DAILY"
	FreqWeekly  Frequency = "WEEKLY"
	FreqMonthly Frequency = "MONTHLY"
	FreqYearly  Frequency = "YEARLY"
)

var supportedFrequencies = map[Frequency]bool{
	FreqDaily:   true,
	FreqWeekly:  true,
	FreqMonthly: true,
	FreqYearly:  true,
}

// dayCodeToIndex maps the two-letter weekday codes to time.Weekday numbering
// (Sunday = 0), which is what the generators compare against.
var dayCodeToIndex = map[string]int{
	"SU": 0,
	"MO": 1,
	"TU": 2,
	"WE": 3,
	"TH": 4,
	"FR": 5,
	"SA": 6,
}

var indexToDayCode = [7]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// =============================================================================
// RULE
// =============================================================================

// Rule is the structured form of a recurrence rule. It is transient: derived
// from text by Parse and serialized back by String, never persisted.
type Rule struct {
	Freq       Frequency
	Interval   int        // >= 1
	Count      int        // 0 = no count bound
	Until      *time.Time // date precision, UTC midnight; nil = no until bound
	ByDay      []string   // two-letter codes, uppercase
	ByMonthDay []int      // [-31,-1] U [1,31]
	WeekStart  string     // two-letter code, defaults to MO
}

// ParseResult is the outcome of parsing rule text. A rule is either fully
// valid or rejected as a whole: Rule is nil whenever Valid is false.
type ParseResult struct {
	Valid  bool
	Rule   *Rule
	Errors []string
}

// =============================================================================
// APPOINTMENTS AND OCCURRENCES
// =============================================================================

// Appointment is the read-only view of an appointment that the expander and
// conflict detector operate on. Storage owns the full entity.
type Appointment struct {
	ID             int64
	Title          string
	Date           string // YYYY-MM-DD
	Time           string // HH:MM
	IsRecurring    bool
	RRule          string
	SeriesID       string
	OccurrenceEnd  string // optional ISO end of the base instance
}

// Occurrence is one concrete calendar instance derived from an appointment.
// Derived, never persisted.
type Occurrence struct {
	AppointmentID  int64
	Title          string
	Date           string // YYYY-MM-DD
	Time           string // HH:MM
	OccurrenceKey  string
	IsBaseInstance bool
}

// OccurrenceKey builds the stable identity "{appointmentId}:{date}T{time}".
// It must be reproducible from the same appointment+date+time pair alone;
// occurrence completion tracking depends on that.
func OccurrenceKey(appointmentID int64, date, timeOfDay string) string {
	return fmt.Sprintf("%d:%sT%s", appointmentID, date, timeOfDay)
}

// ExpandOptions bounds expansion output.
type ExpandOptions struct {
	// MaxOccurrences is a hard safety cap applied while generating, before
	// any accumulation. Zero means DefaultMaxOccurrences.
	MaxOccurrences int
}

// DefaultMaxOccurrences caps expansion of pathological rules (for example a
// DAILY rule queried over a multi-year window).
const DefaultMaxOccurrences = 400

// ConflictEntry records one time overlap between a candidate occurrence and
// an existing appointment's occurrence on the same date.
type ConflictEntry struct {
	CandidateOccurrenceKey string `json:"candidate_occurrence_key"`
	WithAppointmentID      int64  `json:"with_appointment_id"`
	WithTitle              string `json:"with_title"`
	Date                   string `json:"date"`
	Time                   string `json:"time"`
}

// =============================================================================
// DATE HELPERS
// =============================================================================
// All calendar math is done on UTC midnights; dates cross the API boundary as
// YYYY-MM-DD strings.

const dateLayout = "2006-01-02"

// parseDate parses YYYY-MM-DD strictly (a non-existent calendar date fails).
func parseDate(value string) (time.Time, bool) {
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// weekStartOf returns the most recent day at or before t whose weekday index
// equals weekStartIdx.
func weekStartOf(t time.Time, weekStartIdx int) time.Time {
	delta := (int(t.Weekday()) - weekStartIdx + 7) % 7
	return t.AddDate(0, 0, -delta)
}

// parseClockMinutes parses HH:MM into minutes since midnight.
func parseClockMinutes(value string) (int, bool) {
	var hour, minute int
	if _, err := fmt.Sscanf(value, "%d:%d", &hour, &minute); err != nil {
		return 0, false
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}
