// Package period provides calendar-correct date arithmetic for billing
// period boundaries. All operations work on instants and never approximate
// a month as 30 days: shifting by calendar months clamps to the last valid
// day of the target month, so a subscription started on Jan 31 renews on
// Feb 28 (or Feb 29 in a leap year), not on Mar 2.
package period

import (
	"math"
	"time"
)

// AddMonths shifts t forward by n calendar months. When the original
// day-of-month does not exist in the target month the result clamps to the
// last day of that month. The time-of-day and location are preserved, and
// the result never drifts past the target month.
func AddMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	// Anchor on the first of the target month so time.Date normalization
	// cannot roll the result into the following month.
	first := time.Date(year, month+time.Month(n), 1, hour, minute, sec, t.Nanosecond(), t.Location())
	if last := daysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

// AddYears shifts t forward by n calendar years. Feb 29 clamps to Feb 28
// when the target year is not a leap year.
func AddYears(t time.Time, n int) time.Time {
	return AddMonths(t, 12*n)
}

// DaysBetween returns the whole number of days from a to b. The time
// component is zeroed on both ends (in UTC, so DST shifts cannot produce
// fractional days) and the absolute difference is rounded up.
func DaysBetween(a, b time.Time) int {
	diff := midnightUTC(b).Sub(midnightUTC(a))
	return int(math.Ceil(math.Abs(diff.Hours()) / 24))
}

func midnightUTC(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func daysInMonth(year int, month time.Month) int {
	// First day of the next month minus one day.
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	return firstOfNext.AddDate(0, 0, -1).Day()
}
