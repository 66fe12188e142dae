package model

import "time"

// Layouts for date and month keys.
const (
	DateKeyLayout  = "2006-01-02"
	MonthKeyLayout = "2006-01"
)

// DateKey returns the calendar day of t in t's location.
func DateKey(t time.Time) string {
	return t.Format(DateKeyLayout)
}

// MonthKey returns the calendar month of t in t's location.
func MonthKey(t time.Time) string {
	return t.Format(MonthKeyLayout)
}

// ParseDateKey parses a YYYY-MM-DD key as midnight in loc.
func ParseDateKey(key string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateKeyLayout, key, loc)
}

// AddDays shifts a date key by n calendar days. Invalid keys are returned
// unchanged.
func AddDays(key string, n int) string {
	t, err := time.Parse(DateKeyLayout, key)
	if err != nil {
		return key
	}
	return t.AddDate(0, 0, n).Format(DateKeyLayout)
}

// DaysBetween returns the number of calendar days from a to b (b - a).
func DaysBetween(a, b string) (int, error) {
	ta, err := time.Parse(DateKeyLayout, a)
	if err != nil {
		return 0, err
	}
	tb, err := time.Parse(DateKeyLayout, b)
	if err != nil {
		return 0, err
	}
	return int(tb.Sub(ta).Hours() / 24), nil
}
