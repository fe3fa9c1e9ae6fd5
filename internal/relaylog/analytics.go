package relaylog

import (
	"context"
	"time"
)

// Aggregation intervals accepted by UsageSeries.
const (
	IntervalHour = "hour"
	IntervalDay  = "day"
	IntervalWeek = "week"
)

// ValidInterval reports whether s is a supported bucket size.
func ValidInterval(s string) bool {
	switch s {
	case IntervalHour, IntervalDay, IntervalWeek:
		return true
	}
	return false
}

// Summary counts a partner's entries in a time range.
type Summary struct {
	Total     int64            `json:"total"`
	Allowed   int64            `json:"allowed"`
	Blocked   int64            `json:"blocked"`
	Broadcast int64            `json:"broadcast"`
	ByBand    map[string]int64 `json:"byBand"`
}

// UsagePoint is one bucket of a usage time series.
type UsagePoint struct {
	Bucket   time.Time `json:"bucket"`
	Requests int64     `json:"requests"`
	Blocked  int64     `json:"blocked"`
}

// Analytics answers aggregate queries over the log. Ranges are [from, to).
type Analytics interface {
	Summarize(ctx context.Context, partnerID string, from, to time.Time) (*Summary, error)
	UsageSeries(ctx context.Context, partnerID, interval string, from, to time.Time) ([]UsagePoint, error)
	ListBlocked(ctx context.Context, partnerID string, limit int) ([]*Entry, error)
}

// bucketStart truncates t to the start of its interval in UTC. Weeks
// start on Monday, matching Postgres date_trunc('week', ...).
func bucketStart(t time.Time, interval string) time.Time {
	t = t.UTC()
	switch interval {
	case IntervalHour:
		return t.Truncate(time.Hour)
	case IntervalWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}
