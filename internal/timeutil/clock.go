package timeutil

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout    = "2006-01-02"
	MinutesPerDay = 24 * 60
)

var (
	ErrInvalidClock   = errors.New("invalid clock time, expected HH:MM")
	ErrInvalidDate    = errors.New("invalid date, expected YYYY-MM-DD")
	ErrInvalidWeekday = errors.New("invalid weekday")
	ErrClockOverflow  = errors.New("clock time leaves the day")
)

// Clock is a wall clock time expressed as minutes after midnight.
type Clock int

// ParseClock parses a strict 24h "HH:MM" value.
func ParseClock(s string) (Clock, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	h, okH := twoDigits(s[0:2])
	m, okM := twoDigits(s[3:5])
	if !okH || !okM || h > 23 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return Clock(h*60 + m), nil
}

// MustClock is ParseClock for literals in tests and seed data.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func twoDigits(s string) (int, bool) {
	if s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, false
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), true
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Valid reports whether c names a minute within one day. 24:00 is allowed
// as an exclusive end bound.
func (c Clock) Valid() bool {
	return c >= 0 && c <= MinutesPerDay
}

// Add shifts c by minutes, failing if the result leaves the day.
func (c Clock) Add(minutes int) (Clock, error) {
	n := c + Clock(minutes)
	if !n.Valid() {
		return 0, fmt.Errorf("%w: %s %+d min", ErrClockOverflow, c, minutes)
	}
	return n, nil
}

// MinutesBetween returns to - from in minutes. Negative when to is earlier.
func MinutesBetween(from, to Clock) int {
	return int(to - from)
}

// Distance is the absolute gap between two clock values in minutes.
func Distance(a, b Clock) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

// ParseDate parses a calendar day in DateLayout. The result is midnight UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return d, nil
}

func FormatDate(d time.Time) string {
	return d.Format(DateLayout)
}

// DateOf truncates t to its calendar day in loc, returned as midnight UTC so
// it compares equal to ParseDate output.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// At combines a calendar day and a wall clock into an instant in loc.
func At(date time.Time, c Clock, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).Add(time.Duration(c) * time.Minute)
}

// SameDay compares calendar days ignoring location offsets.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday accepts full English weekday names in any case.
func ParseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWeekday, s)
	}
	return wd, nil
}
