// Package civil implements day arithmetic in the fixed challenge timezone.
// Every "day" in the platform is a civil day in that zone, keyed by a
// YYYY-MM-DD string. All functions are pure; callers supply instants and the
// zone and get back keys or UTC windows.
package civil

import (
	"fmt"
	"strings"
	"time"
)

// DefaultZone is the challenge timezone used when none is configured.
const DefaultZone = "Asia/Kolkata"

const keyLayout = "2006-01-02"

// LoadZone resolves a timezone name, falling back to DefaultZone when empty.
func LoadZone(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		trimmed = DefaultZone
	}
	loc, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, fmt.Errorf("civil: load zone %q: %w", trimmed, err)
	}
	return loc, nil
}

// DateKey returns the civil date of the instant in the challenge timezone.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(keyLayout)
}

// Window is the UTC span covered by one civil day. End is exclusive.
type Window struct {
	Key      string
	StartUTC time.Time
	EndUTC   time.Time
}

// DayWindow returns the UTC window of the civil day containing the instant.
// For any two instants sharing a date key the windows are identical, and
// StartUTC <= t < EndUTC always holds.
func DayWindow(t time.Time, loc *time.Location) Window {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return Window{
		Key:      start.Format(keyLayout),
		StartUTC: start.UTC(),
		EndUTC:   end.UTC(),
	}
}

// ParseKey parses a YYYY-MM-DD date key anchored to midnight in the zone.
func ParseKey(key string, loc *time.Location) (time.Time, error) {
	parsed, err := time.ParseInLocation(keyLayout, strings.TrimSpace(key), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("civil: parse date key %q: %w", key, err)
	}
	return parsed, nil
}

// AddDays shifts a date key by n civil days. Month and year boundaries are
// handled by the calendar, not by fixed 24h offsets.
func AddDays(key string, n int, loc *time.Location) (string, error) {
	anchor, err := ParseKey(key, loc)
	if err != nil {
		return "", err
	}
	return anchor.AddDate(0, 0, n).Format(keyLayout), nil
}

// DiffDays returns the signed number of whole civil days from a to b.
func DiffDays(aKey, bKey string, loc *time.Location) (int, error) {
	a, err := ParseKey(aKey, loc)
	if err != nil {
		return 0, err
	}
	b, err := ParseKey(bKey, loc)
	if err != nil {
		return 0, err
	}
	days := 0
	for a.Before(b) {
		a = a.AddDate(0, 0, 1)
		days++
	}
	for a.After(b) {
		a = a.AddDate(0, 0, -1)
		days--
	}
	return days, nil
}

// TotalDays counts the civil days between start and the exclusive end
// instant, never returning less than one.
func TotalDays(start, endExclusive time.Time, loc *time.Location) int {
	diff, err := DiffDays(DateKey(start, loc), DateKey(endExclusive, loc), loc)
	if err != nil {
		return 1
	}
	if diff < 1 {
		return 1
	}
	return diff
}

// DayNumber maps a target instant onto a 1-based day index within the
// challenge, clamped to [1, totalDays].
func DayNumber(start, target time.Time, totalDays int, loc *time.Location) int {
	diff, err := DiffDays(DateKey(start, loc), DateKey(target, loc), loc)
	if err != nil {
		return 1
	}
	day := diff + 1
	if day < 1 {
		day = 1
	}
	if totalDays > 0 && day > totalDays {
		day = totalDays
	}
	return day
}

// ParseDateInput accepts either an RFC3339 instant or a bare date key. Bare
// keys anchor to midnight in the challenge timezone.
func ParseDateInput(raw string, loc *time.Location) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("civil: empty date input")
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return parsed, nil
	}
	return ParseKey(trimmed, loc)
}

// Yesterday returns the date key of the civil day before the one containing
// now. The settlement cron only ever settles this day.
func Yesterday(now time.Time, loc *time.Location) string {
	return now.In(loc).AddDate(0, 0, -1).Format(keyLayout)
}
