package server

import (
	"strconv"
	"strings"
	"time"
)

// Readings time layouts, tried in order. Zone-less layouts are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// unix values above this are taken as milliseconds.
const unixMillisThreshold = 1e11

// parseRSSI reads the leading base-10 integer of s, ignoring trailing text
// such as a unit suffix.
func parseRSSI(s string) (int, error) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, invalid("r", "invalid RSSI value %q", s)
	}
	v, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, invalid("r", "invalid RSSI value %q", s)
	}
	return v, nil
}

// parseReadingTime accepts RFC 3339, unix seconds or milliseconds, and a
// bare HH:MM:SS taken as today in UTC. Empty input means now.
func parseReadingTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > unixMillisThreshold {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if clock, err := time.Parse("15:04:05", s); err == nil {
		day := now.UTC()
		return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, time.UTC), nil
	}
	return time.Time{}, invalid("t", "invalid timestamp %q", s)
}
