package cron

import (
	"fmt"
	"strings"
	"time"
)

// ParseWhen reads a reminder time: an RFC 3339 timestamp, or a relative
// duration such as "+90m" or "2h30m" counted from now.
func ParseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("reminder time required")
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(s, "+")); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("reminder offset %q must be positive", s)
		}
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("reminder time %q: want RFC 3339 or a duration like +90m", s)
	}
	return t, nil
}
