package ohlcv

import "time"

const ymdLayout = "2006-01-02"

// TodayRunInstant is hour:minute on now's calendar date in loc. The UTC
// offset is resolved for that date, not for now.
func TodayRunInstant(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
}

// NextRunInstant is the first hour:minute in loc strictly after now. A
// local time skipped by a DST transition resolves the way time.Date does.
func NextRunInstant(now time.Time, hour, minute int, loc *time.Location) time.Time {
	run := TodayRunInstant(now, hour, minute, loc)
	if run.After(now) {
		return run
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
}

// DateInZone is now's calendar date in loc as YYYY-MM-DD.
func DateInZone(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(ymdLayout)
}

// utcMidnight truncates t to the start of its UTC day.
func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
