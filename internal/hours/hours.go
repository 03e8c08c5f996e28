// Package hours computes deadlines measured in business hours: wall-clock
// time counts toward a budget only inside a working window on business days.
package hours

import (
	"fmt"
	"time"
)

// Calendar describes one org's working time. DayStart/DayEnd are hours of
// the day in Location (e.g. 8 and 18 for an 08:00-18:00 window). Saturdays,
// Sundays and every date in Holidays are skipped entirely.
type Calendar struct {
	Location *time.Location
	DayStart int
	DayEnd   int
	Holidays map[string]bool // keyed by YYYY-MM-DD in Location
}

// NewCalendar validates the window and builds a calendar.
func NewCalendar(loc *time.Location, dayStart, dayEnd int, holidays []string) (Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	if dayStart < 0 || dayEnd > 24 || dayStart >= dayEnd {
		return Calendar{}, fmt.Errorf("invalid business window %d-%d", dayStart, dayEnd)
	}
	set := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		set[h] = true
	}
	return Calendar{Location: loc, DayStart: dayStart, DayEnd: dayEnd, Holidays: set}, nil
}

func (c Calendar) businessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.Holidays[t.Format("2006-01-02")]
}

// windowFor returns the open and close instants of the working window on
// t's date, regardless of whether that date is a business day.
func (c Calendar) windowFor(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	open := time.Date(y, m, d, c.DayStart, 0, 0, 0, c.Location)
	close := time.Date(y, m, d, c.DayEnd, 0, 0, 0, c.Location)
	return open, close
}

// nextOpen advances t to the next instant inside a working window on a
// business day. A t already inside a window is returned unchanged.
func (c Calendar) nextOpen(t time.Time) time.Time {
	t = t.In(c.Location)
	for {
		open, close := c.windowFor(t)
		if c.businessDay(t) && t.Before(close) {
			if t.Before(open) {
				return open
			}
			return t
		}
		t = open.AddDate(0, 0, 1)
	}
}

// Deadline walks forward from start consuming budget only while inside the
// working window, and returns the instant the budget runs out. The function
// is pure: same inputs, same output, no clock or I/O.
func (c Calendar) Deadline(start time.Time, budget time.Duration) time.Time {
	cursor := c.nextOpen(start)
	for budget > 0 {
		_, close := c.windowFor(cursor)
		remaining := close.Sub(cursor)
		if budget <= remaining {
			return cursor.Add(budget)
		}
		budget -= remaining
		cursor = c.nextOpen(close)
	}
	return cursor
}
