// Package recurrence computes reporting windows and next-occurrence
// timestamps for recurring schedules. Everything here is pure time
// arithmetic: no I/O, no shared state.
//
// Calendar month arithmetic clamps to the last valid day of the target
// month, so Jan 31 plus one month is Feb 29 in a leap year and Feb 28
// otherwise, and Mar 31 minus one month is the last day of February.
// time.AddDate is deliberately not used for months because it overflows
// into the following month instead.
package recurrence

import (
	"time"

	"recurflow/internal/domain"
)

// DefaultHour is the time of day every next occurrence is normalized to.
const DefaultHour = 9

// Clock normalizes occurrences to Hour:00:00 in Location.
type Clock struct {
	Hour     int
	Location *time.Location
}

// Default normalizes to 09:00 UTC.
var Default = Clock{Hour: DefaultHour, Location: time.UTC}

func New(hour int, loc *time.Location) Clock {
	if hour < 0 || hour > 23 {
		hour = DefaultHour
	}
	if loc == nil {
		loc = time.UTC
	}
	return Clock{Hour: hour, Location: loc}
}

// OrDefault returns Default for the zero Clock and otherwise c with an
// invalid hour or nil location normalized as New does. A clock with only
// Location unset keeps its Hour.
func OrDefault(c Clock) Clock {
	if c == (Clock{}) {
		return Default
	}
	return New(c.Hour, c.Location)
}

// WindowStart returns the lower bound of the lookback window for f ending at ref.
func WindowStart(f domain.Frequency, ref time.Time) time.Time {
	return Default.WindowStart(domain.Recurrence{Frequency: f}, ref)
}

// NextOccurrence returns the next run time for f after ref, at 09:00 UTC.
func NextOccurrence(f domain.Frequency, ref time.Time) time.Time {
	return Default.NextOccurrence(domain.Recurrence{Frequency: f}, ref)
}

type offset struct {
	days   int
	months int
}

// offsetFor maps a frequency to its calendar period. Anything outside the
// closed set is treated as weekly; creation-time validation keeps such
// values out of the store, so this only matters for rows written by
// something else.
func offsetFor(f domain.Frequency) offset {
	switch f {
	case domain.Daily:
		return offset{days: 1}
	case domain.Weekly:
		return offset{days: 7}
	case domain.Biweekly:
		return offset{days: 14}
	case domain.Monthly:
		return offset{months: 1}
	case domain.Quarterly:
		return offset{months: 3}
	default:
		return offset{days: 7}
	}
}

func (o offset) times(n int) offset {
	return offset{days: o.days * n, months: o.months * n}
}

func (o offset) neg() offset {
	return offset{days: -o.days, months: -o.months}
}

func (c Clock) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// WindowStart subtracts rec's period (times its interval) from ref. The
// result is always strictly before ref.
func (c Clock) WindowStart(rec domain.Recurrence, ref time.Time) time.Time {
	ref = ref.In(c.loc())
	return shift(ref, offsetFor(rec.Frequency).times(rec.Every()).neg())
}

// NextOccurrence adds rec's period to ref, normalizes the time of day to
// the clock's hour and then applies weekday or month-day pinning. The
// result is always strictly after ref, so feeding it back in yields a
// strictly increasing chain.
func (c Clock) NextOccurrence(rec domain.Recurrence, ref time.Time) time.Time {
	ref = ref.In(c.loc())
	next := c.atHour(shift(ref, offsetFor(rec.Frequency).times(rec.Every())))

	switch {
	case rec.Weekday != nil && !rec.Frequency.MonthBased():
		delta := (int(*rec.Weekday) - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, delta)
	case rec.MonthDay > 0 && rec.Frequency.MonthBased():
		next = withDay(next, rec.MonthDay)
	}
	return next
}

// Preview returns the next n occurrences after from.
func (c Clock) Preview(rec domain.Recurrence, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = c.NextOccurrence(rec, t)
		out = append(out, t)
	}
	return out
}

func (c Clock) atHour(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, c.Hour, 0, 0, 0, t.Location())
}

func shift(t time.Time, o offset) time.Time {
	if o.months != 0 {
		t = addMonths(t, o.months)
	}
	if o.days != 0 {
		t = t.AddDate(0, 0, o.days)
	}
	return t
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func withDay(t time.Time, day int) time.Time {
	if last := daysIn(t.Year(), t.Month()); day > last {
		day = last
	}
	return time.Date(t.Year(), t.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
