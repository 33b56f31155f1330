package ratelimit

import "time"

// Window returns the daily window containing now: midnight to midnight
// in loc. resetAt is always the next boundary, derived from the clock
// alone.
func Window(now time.Time, loc *time.Location) (start, resetAt time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	resetAt = start.AddDate(0, 0, 1)
	return start, resetAt
}
