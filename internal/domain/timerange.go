package domain

import (
	"fmt"
	"time"
)

// TimeRange is a trailing time window accepted by time-windowed subscriptions.
type TimeRange string

const (
	TimeRange1h  TimeRange = "1h"
	TimeRange24h TimeRange = "24h"
	TimeRange7d  TimeRange = "7d"
	TimeRange30d TimeRange = "30d"
	TimeRange1y  TimeRange = "1y"

	DefaultTimeRange = TimeRange24h
)

var timeRangeDurations = map[TimeRange]time.Duration{
	TimeRange1h:  time.Hour,
	TimeRange24h: 24 * time.Hour,
	TimeRange7d:  7 * 24 * time.Hour,
	TimeRange30d: 30 * 24 * time.Hour,
	TimeRange1y:  365 * 24 * time.Hour,
}

// ParseTimeRange validates s. An empty string yields DefaultTimeRange.
func ParseTimeRange(s string) (TimeRange, error) {
	if s == "" {
		return DefaultTimeRange, nil
	}
	tr := TimeRange(s)
	if _, ok := timeRangeDurations[tr]; !ok {
		return "", fmt.Errorf("invalid time range %q", s)
	}
	return tr, nil
}

// Duration returns the window length.
func (r TimeRange) Duration() time.Duration {
	if d, ok := timeRangeDurations[r]; ok {
		return d
	}
	return timeRangeDurations[DefaultTimeRange]
}

// Since returns the start of the window ending at now.
func (r TimeRange) Since(now time.Time) time.Time {
	return now.Add(-r.Duration())
}

// Contains reports whether ts falls in the window ending at now.
func (r TimeRange) Contains(ts, now time.Time) bool {
	return !ts.Before(r.Since(now))
}
