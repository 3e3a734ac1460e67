package scheduler

import (
	"strconv"
	"time"

	"github.com/rendis/flowcron/pkg/schema"
)

// Truncate returns the start of the UTC bucket of width g containing t.
// Weeks start on Monday.
func Truncate(t time.Time, g schema.Granularity) (time.Time, error) {
	t = t.UTC()
	switch g {
	case schema.Hourly:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC), nil
	case schema.Daily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case schema.Weekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		sinceMonday := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -sinceMonday), nil
	case schema.Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown granularity %q", g)
	}
}

// BucketID is the cron profile id of t's bucket: Unix seconds of its start.
func BucketID(t time.Time, g schema.Granularity) (string, error) {
	start, err := Truncate(t, g)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(start.Unix(), 10), nil
}
