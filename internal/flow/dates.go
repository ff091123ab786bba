package flow

import (
	"strings"
	"time"
)

// DateLayout is the calendar-day format used everywhere in the flow.
const DateLayout = "2006-01-02"

// Datetime layouts that carry an explicit offset. Their instant is moved
// into the local zone before the day is taken.
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
}

// Datetime layouts without an offset are read as local wall-clock time.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// NormalizeDate reduces a record's nominal date to a local calendar day.
// Datetimes are converted to loc before the day is taken so a booking near
// midnight UTC lands on the right local day. Unparseable input yields its
// pre-"T" prefix verbatim.
func NormalizeDate(raw string, loc *time.Location) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if loc == nil {
		loc = time.Local
	}

	if _, err := time.Parse(DateLayout, raw); err == nil {
		return raw
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.In(loc).Format(DateLayout)
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.Format(DateLayout)
		}
	}

	day, _, _ := strings.Cut(raw, "T")
	return day
}

// Today returns the current calendar day in loc.
func Today(loc *time.Location, now time.Time) string {
	if loc == nil {
		loc = time.Local
	}
	return now.In(loc).Format(DateLayout)
}

// ValidDate reports whether s is a YYYY-MM-DD day.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// FilterAppointments keeps the non-cancelled appointments whose normalised
// date equals date.
func FilterAppointments(appts []Appointment, date string, loc *time.Location) []Appointment {
	out := make([]Appointment, 0, len(appts))
	for _, a := range appts {
		if a.Status == AppointmentCancelled {
			continue
		}
		if NormalizeDate(a.AppointmentDate, loc) == date {
			out = append(out, a)
		}
	}
	return out
}

// FilterItems keeps the queue items whose normalised date equals date.
func FilterItems(items []QueueItem, date string, loc *time.Location) []QueueItem {
	out := make([]QueueItem, 0, len(items))
	for _, it := range items {
		if NormalizeDate(it.RawDate(), loc) == date {
			out = append(out, it)
		}
	}
	return out
}
