package utils

import "time"

// LastRetainedDay returns the time.Time in UTC that represents the start of the oldest of the last `n` complete
// business days in `loc`. Rows stamped before it are outside the retention window. Today is never counted, as it is
// not complete yet, and weekends are skipped.
func LastRetainedDay(now time.Time, n int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}

	day := truncateToLocationDay(now.In(loc))
	for kept := 0; kept < n; {
		day = day.AddDate(0, 0, -1)
		if isBusinessDay(day) {
			kept++
		}
	}
	return day.UTC()
}

func isBusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

func truncateToLocationDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
