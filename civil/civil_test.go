package civil

import (
	"testing"
	"time"
)

func kolkata(t *testing.T) *time.Location {
	t.Helper()
	loc, err := LoadZone("Asia/Kolkata")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	return loc
}

func TestDateKeyCrossesUTCDate(t *testing.T) {
	loc := kolkata(t)
	// 20:00 UTC on Jan 1 is already Jan 2 in UTC+5:30.
	instant := time.Date(2025, 1, 1, 20, 0, 0, 0, time.UTC)
	if got := DateKey(instant, loc); got != "2025-01-02" {
		t.Fatalf("expected 2025-01-02 got %s", got)
	}
}

func TestDayWindowStable(t *testing.T) {
	loc := kolkata(t)
	morning := time.Date(2025, 3, 10, 1, 0, 0, 0, loc)
	night := time.Date(2025, 3, 10, 23, 59, 59, 0, loc)
	a := DayWindow(morning, loc)
	b := DayWindow(night, loc)
	if a != b {
		t.Fatalf("windows differ for same key: %+v vs %+v", a, b)
	}
	if !a.StartUTC.Before(a.EndUTC) {
		t.Fatalf("window not ordered")
	}
	if a.EndUTC.Sub(a.StartUTC) != 24*time.Hour {
		t.Fatalf("window not 24h: %v", a.EndUTC.Sub(a.StartUTC))
	}
	// Containment: start <= t < end.
	for _, instant := range []time.Time{morning, night} {
		if instant.Before(a.StartUTC) || !instant.Before(a.EndUTC) {
			t.Fatalf("instant %v outside window %+v", instant, a)
		}
	}
}

func TestDayWindowRoundTrip(t *testing.T) {
	loc := kolkata(t)
	for _, instant := range []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 15, 18, 29, 59, 0, time.UTC),
		time.Date(2025, 6, 15, 18, 30, 0, 0, time.UTC),
		time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC),
	} {
		win := DayWindow(instant, loc)
		if got := DateKey(win.StartUTC, loc); got != DateKey(instant, loc) {
			t.Fatalf("dateKey(window.start) = %s, want %s", got, DateKey(instant, loc))
		}
	}
}

func TestWindowBoundaryExclusive(t *testing.T) {
	loc := kolkata(t)
	win := DayWindow(time.Date(2025, 5, 20, 12, 0, 0, 0, loc), loc)
	lastMs := win.EndUTC.Add(-time.Millisecond)
	if got := DateKey(lastMs, loc); got != win.Key {
		t.Fatalf("endUtc-1ms should stay on %s, got %s", win.Key, got)
	}
	if got := DateKey(win.EndUTC, loc); got == win.Key {
		t.Fatalf("endUtc should roll to the next day")
	}
}

func TestAddDiffDays(t *testing.T) {
	loc := kolkata(t)
	cases := []struct {
		key string
		n   int
	}{
		{"2025-01-31", 1},
		{"2025-02-28", 1},
		{"2024-02-28", 2},
		{"2025-12-31", 1},
		{"2025-06-15", -45},
		{"2025-06-15", 365},
	}
	for _, tc := range cases {
		shifted, err := AddDays(tc.key, tc.n, loc)
		if err != nil {
			t.Fatalf("addDays(%s, %d): %v", tc.key, tc.n, err)
		}
		diff, err := DiffDays(tc.key, shifted, loc)
		if err != nil {
			t.Fatalf("diffDays: %v", err)
		}
		if diff != tc.n {
			t.Fatalf("addDays then diffDays = %d, want %d", diff, tc.n)
		}
	}
}

func TestAddDaysCalendarBoundaries(t *testing.T) {
	loc := kolkata(t)
	got, err := AddDays("2025-01-31", 1, loc)
	if err != nil {
		t.Fatalf("addDays: %v", err)
	}
	if got != "2025-02-01" {
		t.Fatalf("expected 2025-02-01 got %s", got)
	}
	got, err = AddDays("2024-12-31", 1, loc)
	if err != nil {
		t.Fatalf("addDays: %v", err)
	}
	if got != "2025-01-01" {
		t.Fatalf("expected 2025-01-01 got %s", got)
	}
}

func TestTotalDays(t *testing.T) {
	loc := kolkata(t)
	start := time.Date(2025, 4, 1, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 10)
	if got := TotalDays(start, end, loc); got != 10 {
		t.Fatalf("totalDays = %d, want 10", got)
	}
	// Degenerate ranges clamp to a single day.
	if got := TotalDays(start, start, loc); got != 1 {
		t.Fatalf("totalDays same instant = %d, want 1", got)
	}
	if got := TotalDays(end, start, loc); got != 1 {
		t.Fatalf("totalDays inverted = %d, want 1", got)
	}
}

func TestDayNumberClamped(t *testing.T) {
	loc := kolkata(t)
	start := time.Date(2025, 4, 1, 0, 0, 0, 0, loc)
	if got := DayNumber(start, start.AddDate(0, 0, 3), 10, loc); got != 4 {
		t.Fatalf("dayNumber = %d, want 4", got)
	}
	if got := DayNumber(start, start.AddDate(0, 0, -2), 10, loc); got != 1 {
		t.Fatalf("dayNumber before start = %d, want 1", got)
	}
	if got := DayNumber(start, start.AddDate(0, 0, 30), 10, loc); got != 10 {
		t.Fatalf("dayNumber past end = %d, want 10", got)
	}
}

func TestParseDateInput(t *testing.T) {
	loc := kolkata(t)
	instant, err := ParseDateInput("2025-07-04T10:30:00Z", loc)
	if err != nil {
		t.Fatalf("parse instant: %v", err)
	}
	if !instant.Equal(time.Date(2025, 7, 4, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected instant %v", instant)
	}
	anchored, err := ParseDateInput("2025-07-04", loc)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if DateKey(anchored, loc) != "2025-07-04" {
		t.Fatalf("bare key should anchor to its own day, got %s", DateKey(anchored, loc))
	}
	if anchored.In(loc).Hour() != 0 {
		t.Fatalf("bare key should anchor to midnight, got %v", anchored.In(loc))
	}
	if _, err := ParseDateInput("  ", loc); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestYesterday(t *testing.T) {
	loc := kolkata(t)
	// 19:00 UTC on Mar 1 is already Mar 2 in the challenge zone.
	now := time.Date(2025, 3, 1, 19, 0, 0, 0, time.UTC)
	if got := Yesterday(now, loc); got != "2025-03-01" {
		t.Fatalf("yesterday = %s, want 2025-03-01", got)
	}
}
