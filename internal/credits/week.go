package credits

import (
	"math"
	"time"
)

// WeekStart returns Monday 00:00 UTC of the week containing t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	return time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
}

// NextReset returns the Monday 00:00 UTC after t.
func NextReset(t time.Time) time.Time {
	return WeekStart(t).AddDate(0, 0, 7)
}

// untilReset returns the time left until the next reset and that span in
// whole days and hours, rounded up.
func untilReset(now time.Time) (time.Duration, int, int) {
	d := NextReset(now).Sub(now)
	days := int(math.Ceil(d.Hours() / 24))
	hours := int(math.Ceil(d.Hours()))
	return d, days, hours
}
