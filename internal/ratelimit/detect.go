package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

var signatures = []string{
	"rate limit",
	"rate_limit",
	"rate-limited",
	"ratelimited",
	"credit balance is too low",
	"credit balance too low",
	"usage limit reached",
	"too many requests",
	"quota exceeded",
}

// resetPattern matches "resets 3pm (America/New_York)" and
// "resets at 11:30am (UTC)".
var resetPattern = regexp.MustCompile(`(?i)resets\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)\s*\(([^)]+)\)`)

// Detect reports whether text carries a rate-limit or quota signature.
func Detect(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, sig := range signatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return resetPattern.MatchString(text)
}

// ResetHint extracts the next wall-clock occurrence of a "resets <h>(am|pm)
// (<zone>)" hint strictly after now. Unknown zones and out-of-range hours
// yield no hint.
func ResetHint(text string, now time.Time) (time.Time, bool) {
	m := resetPattern.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 1 || hour > 12 {
		return time.Time{}, false
	}
	minute := 0
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil || minute > 59 {
			return time.Time{}, false
		}
	}
	switch strings.ToLower(m[3]) {
	case "am":
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour != 12 {
			hour += 12
		}
	}
	loc, ok := loadZone(strings.TrimSpace(m[4]))
	if !ok {
		return time.Time{}, false
	}

	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(now) {
		next := local.AddDate(0, 0, 1)
		candidate = time.Date(next.Year(), next.Month(), next.Day(), hour, minute, 0, 0, loc)
	}
	return candidate, true
}

func loadZone(name string) (*time.Location, bool) {
	switch strings.ToUpper(name) {
	case "UTC", "GMT", "Z":
		return time.UTC, true
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}
	return loc, true
}
