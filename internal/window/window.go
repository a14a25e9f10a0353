// Package window implements recurring capture windows: a set of allowed
// weekdays plus a daily time-of-day range that may wrap past midnight, and the
// trigger arithmetic that finds the next instant a job is allowed to fire.
package window

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Weekdays is a set of days using the Monday=0 .. Sunday=6 numbering.
type Weekdays uint8

// AllWeekdays allows every day of the week.
const AllWeekdays Weekdays = 0x7f

var weekdayNames = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// Index converts a time.Weekday (Sunday=0) to the Monday=0 numbering.
func Index(d time.Weekday) int { return (int(d) + 6) % 7 }

// NewWeekdays builds a set from Monday=0 day numbers. Out of range values are ignored.
func NewWeekdays(days ...int) Weekdays {
	var w Weekdays
	for _, d := range days {
		if d >= 0 && d < 7 {
			w |= 1 << uint(d)
		}
	}
	return w
}

// ParseWeekdays accepts short English names (Mon..Sun, case-insensitive).
func ParseWeekdays(names []string) (Weekdays, error) {
	var w Weekdays
	for _, raw := range names {
		n := strings.ToLower(strings.TrimSpace(raw))
		found := false
		for i, wn := range weekdayNames {
			if n == strings.ToLower(wn) {
				w |= 1 << uint(i)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown week day %q (use Mon, Tue, Wed, Thu, Fri, Sat, Sun)", raw)
		}
	}
	return w, nil
}

// Has reports whether day (Monday=0) is in the set.
func (w Weekdays) Has(day int) bool {
	if day < 0 || day > 6 {
		return false
	}
	return w&(1<<uint(day)) != 0
}

// HasWeekday is Has for a time.Weekday.
func (w Weekdays) HasWeekday(d time.Weekday) bool { return w.Has(Index(d)) }

func (w Weekdays) Empty() bool { return w&AllWeekdays == 0 }

func (w Weekdays) String() string {
	parts := make([]string, 0, 7)
	for i, n := range weekdayNames {
		if w.Has(i) {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, ",")
}

// TimeOfDay is a wall-clock time without a date, second resolution.
type TimeOfDay struct {
	Hour, Minute, Second int
}

var reTimeOfDay = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})(?::(\d{2}))?\s*$`)

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	m := reTimeOfDay.FindStringSubmatch(s)
	if m == nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q, expected HH:MM or HH:MM:SS", s)
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	sec := 0
	if m[3] != "" {
		sec, _ = strconv.Atoi(m[3])
	}
	t := TimeOfDay{Hour: h, Minute: mi, Second: sec}
	if err := t.Validate(); err != nil {
		return TimeOfDay{}, err
	}
	return t, nil
}

func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return fmt.Errorf("time of day %02d:%02d:%02d out of range", t.Hour, t.Minute, t.Second)
	}
	return nil
}

// Offset returns the duration since midnight.
func (t TimeOfDay) Offset() time.Duration {
	return time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute + time.Duration(t.Second)*time.Second
}

// On returns the instant at this time of day on day's date, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, t.Second, 0, day.Location())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// clockOffset is the time elapsed since midnight on t's own date and location.
func clockOffset(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}

// Window is a recurring capture window plus the firing interval inside it.
//
// If Since <= Till the window is [Since, Till] on each allowed day. If
// Since > Till it wraps midnight: [Since, 24:00) ∪ [00:00, Till]. Both
// boundaries are inclusive. The weekday test always uses the weekday of the
// instant being checked.
type Window struct {
	Weekdays Weekdays
	Since    TimeOfDay
	Till     TimeOfDay
	Interval time.Duration
}

// Wraps reports whether the window spans midnight.
func (w Window) Wraps() bool { return w.Since.Offset() > w.Till.Offset() }

// Validate rejects windows that would never fire or never advance.
func (w Window) Validate() error {
	if w.Weekdays.Empty() {
		return fmt.Errorf("at least one week day is required")
	}
	if err := w.Since.Validate(); err != nil {
		return fmt.Errorf("since: %w", err)
	}
	if err := w.Till.Validate(); err != nil {
		return fmt.Errorf("till: %w", err)
	}
	if w.Interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Weekdays.HasWeekday(t.Weekday()) {
		return false
	}
	return w.containsClock(clockOffset(t))
}

func (w Window) containsClock(off time.Duration) bool {
	since, till := w.Since.Offset(), w.Till.Offset()
	if since <= till {
		return since <= off && off <= till
	}
	return since <= off || off <= till
}

func (w Window) String() string {
	return fmt.Sprintf("%s %s-%s every %s", w.Weekdays, w.Since, w.Till, w.Interval)
}
