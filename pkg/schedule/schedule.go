// Package schedule provides cadences for periodic background tasks.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Schedule determines when a periodic task should run next.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

var ErrInvalidCadence = errors.New("invalid schedule cadence")

// Parse resolves a cadence string from configuration. Accepted values are
// "hourly", "daily", "weekly" (Sunday at midnight), or any Go duration
// such as "90m".
func Parse(cadence string) (Schedule, error) {
	switch strings.ToLower(strings.TrimSpace(cadence)) {
	case "hourly":
		return Every(time.Hour), nil
	case "daily":
		return DailyAt(0, 0), nil
	case "weekly":
		return WeeklyOn(time.Sunday, 0, 0), nil
	}
	d, err := time.ParseDuration(cadence)
	if err != nil || d <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCadence, cadence)
	}
	return Every(d), nil
}

type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(from time.Time) time.Time {
	return from.Add(s.every)
}

func (s intervalSchedule) String() string {
	return fmt.Sprintf("every %v", s.every)
}

// Every returns a schedule that fires at fixed intervals.
func Every(d time.Duration) Schedule {
	return intervalSchedule{every: d}
}

type dailySchedule struct {
	hour   int
	minute int
}

func (s dailySchedule) Next(from time.Time) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, from.Location())
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s dailySchedule) String() string {
	return fmt.Sprintf("daily at %02d:%02d", s.hour, s.minute)
}

// DailyAt returns a schedule that fires once per day at the given time.
func DailyAt(hour, minute int) Schedule {
	return dailySchedule{hour: hour, minute: minute}
}

type weeklySchedule struct {
	weekday time.Weekday
	hour    int
	minute  int
}

func (s weeklySchedule) Next(from time.Time) time.Time {
	// Days until the target weekday, with modulo handling week wraparound.
	daysUntil := (int(s.weekday) - int(from.Weekday()) + 7) % 7

	next := from.AddDate(0, 0, daysUntil)
	next = time.Date(next.Year(), next.Month(), next.Day(), s.hour, s.minute, 0, 0, next.Location())
	if !next.After(from) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func (s weeklySchedule) String() string {
	return fmt.Sprintf("weekly on %s at %02d:%02d", s.weekday, s.hour, s.minute)
}

// WeeklyOn returns a schedule that fires once per week on the given day and time.
func WeeklyOn(weekday time.Weekday, hour, minute int) Schedule {
	return weeklySchedule{weekday: weekday, hour: hour, minute: minute}
}
