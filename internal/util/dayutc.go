package util

import "time"

// DayKey formats t as the UTC day string used in persisted keys (yyyymmdd).
// A charge at 23:59:59.999 and one at 00:00:00.001 land in different keys.
func DayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

// NextMidnightUTC returns the first instant of the next UTC day after t.
// Quota buckets reset there; rejection bodies report it as reset_epoch.
func NextMidnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
