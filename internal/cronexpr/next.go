package cronexpr

import (
	"fmt"
	"time"
)

// searchYears bounds how far Next looks before giving up.
const searchYears = 4

// Next returns the first whole-second instant strictly after `after` that
// satisfies the expression, evaluated in after's location.
//
// It returns an error wrapping ErrUnreachable if no such instant exists
// within searchYears years.
func (e *Expression) Next(after time.Time) (time.Time, error) {
	loc := after.Location()

	// Start at the next whole second.
	t := after.Add(time.Second - time.Duration(after.Nanosecond()))
	yearLimit := after.Year() + searchYears

	// Once a field has been advanced, every lower field restarts at its
	// minimum. added tracks whether that truncation has happened.
	added := false

wrap:
	for {
		if t.Year() > yearLimit {
			return time.Time{}, fmt.Errorf("%w: %q after %s (searched %d years)",
				ErrUnreachable, e.text, after.Format(time.RFC3339), searchYears)
		}

		for 1<<uint(t.Month())&e.month == 0 {
			if !added {
				added = true
				t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
			}
			t = t.AddDate(0, 1, 0)
			if t.Month() == time.January {
				continue wrap
			}
		}

		for !e.dayMatches(t) {
			if !added {
				added = true
				t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
			}
			t = t.AddDate(0, 0, 1)
			// Midnight can be skipped or repeated around DST changes.
			if t.Hour() != 0 {
				if t.Hour() > 12 {
					t = t.Add(time.Duration(24-t.Hour()) * time.Hour)
				} else {
					t = t.Add(-time.Duration(t.Hour()) * time.Hour)
				}
			}
			if t.Day() == 1 {
				continue wrap
			}
		}

		for 1<<uint(t.Hour())&e.hour == 0 {
			if !added {
				added = true
				t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
			}
			t = t.Add(time.Hour)
			if t.Hour() == 0 {
				continue wrap
			}
		}

		for 1<<uint(t.Minute())&e.minute == 0 {
			if !added {
				added = true
				t = t.Truncate(time.Minute)
			}
			t = t.Add(time.Minute)
			if t.Minute() == 0 {
				continue wrap
			}
		}

		for 1<<uint(t.Second())&e.second == 0 {
			if !added {
				added = true
				t = t.Truncate(time.Second)
			}
			t = t.Add(time.Second)
			if t.Second() == 0 {
				continue wrap
			}
		}

		return t, nil
	}
}

// NextN returns up to n consecutive fire times after `after`. It stops early
// when the expression becomes unreachable.
func (e *Expression) NextN(after time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := after
	for i := 0; i < n; i++ {
		next, err := e.Next(t)
		if err != nil {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}

// Matches reports whether t (truncated to the second) satisfies every field.
func (e *Expression) Matches(t time.Time) bool {
	return 1<<uint(t.Second())&e.second != 0 &&
		1<<uint(t.Minute())&e.minute != 0 &&
		1<<uint(t.Hour())&e.hour != 0 &&
		1<<uint(t.Month())&e.month != 0 &&
		e.dayMatches(t)
}

func (e *Expression) dayMatches(t time.Time) bool {
	domMatch := 1<<uint(t.Day())&e.dom != 0
	dowMatch := 1<<uint(t.Weekday())&e.dow != 0
	if e.domStar || e.dowStar {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}
