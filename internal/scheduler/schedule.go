package scheduler

import (
	"fmt"
	"time"
)

// Schedule computes the next run time strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
	String() string
}

type every time.Duration

// Every runs a job at a fixed interval.
func Every(d time.Duration) Schedule {
	if d <= 0 {
		panic("scheduler: non-positive interval")
	}
	return every(d)
}

func (e every) Next(after time.Time) time.Time { return after.Add(time.Duration(e)) }
func (e every) String() string                 { return "every " + time.Duration(e).String() }

type daily struct {
	hour, minute int
	loc          *time.Location
}

// Daily runs a job once a day at hh:mm in loc (time.Local when nil).
func Daily(hhmm string, loc *time.Location) (Schedule, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return nil, fmt.Errorf("parse time of day %q: %w", hhmm, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return daily{hour: t.Hour(), minute: t.Minute(), loc: loc}, nil
}

func (d daily) Next(after time.Time) time.Time {
	local := after.In(d.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !next.After(after) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.hour, d.minute, 0, 0, d.loc)
	}
	return next
}

func (d daily) String() string {
	return fmt.Sprintf("daily %02d:%02d %s", d.hour, d.minute, d.loc)
}
