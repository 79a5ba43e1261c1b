// Package timebucket maps timestamps onto the aggregation keys shared by
// snapshots and observations.
package timebucket

import "time"

const Width = 15 * time.Minute

var weekdayNames = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// Floor returns the start of the 15-minute bucket containing t, in t's location.
func Floor(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()-t.Minute()%15, 0, 0, t.Location())
}

// Key is the stable string form of the bucket containing t.
func Key(t time.Time) string {
	return Floor(t).UTC().Format(time.RFC3339)
}

func Hour(t time.Time) int {
	return t.Hour()
}

// Weekday returns 0 for Sunday through 6 for Saturday.
func Weekday(t time.Time) int {
	return int(t.Weekday())
}

// WeekdayName returns the short display name of a 0-6 weekday, or "" when out of range.
func WeekdayName(dow int) string {
	if dow < 0 || dow > 6 {
		return ""
	}
	return weekdayNames[dow]
}
