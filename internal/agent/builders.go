package agent

import (
	"strings"
	"time"
)

// Rotation cycles through prompts, one per cycle. Blank prompts decline
// their cycle.
func Rotation(prompts ...string) DirectiveBuilder {
	ps := append([]string(nil), prompts...)
	return BuilderFunc(func(cycle int64) (string, bool) {
		if len(ps) == 0 {
			return "", false
		}
		idx := cycle % int64(len(ps))
		if idx < 0 {
			idx += int64(len(ps))
		}
		p := ps[idx]
		if strings.TrimSpace(p) == "" {
			return "", false
		}
		return p, true
	})
}

// ActiveHours wraps inner so it only produces directives while the local
// hour in loc lies in [startHour, endHour). A window whose start is after
// its end wraps past midnight; equal bounds mean always active.
func ActiveHours(loc *time.Location, startHour, endHour int, inner DirectiveBuilder) DirectiveBuilder {
	return &activeHours{loc: loc, start: startHour, end: endHour, inner: inner, now: time.Now}
}

type activeHours struct {
	loc        *time.Location
	start, end int
	inner      DirectiveBuilder
	now        func() time.Time
}

func (a *activeHours) Build(cycle int64) (string, bool) {
	loc := a.loc
	if loc == nil {
		loc = time.Local
	}
	if !inWindow(a.now().In(loc).Hour(), a.start, a.end) {
		return "", false
	}
	return a.inner.Build(cycle)
}

func inWindow(hour, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}
