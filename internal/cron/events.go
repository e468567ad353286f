package cron

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Trigger decides whether an event is due at a poll.
type Trigger interface {
	// Due reports whether the event should fire at now given its last fire
	// (epoch seconds, 0 when never fired).
	Due(now time.Time, lastFire int64, loc *time.Location, poll time.Duration) bool
	Validate() error
	String() string
}

type dailyAt struct{ hour int }

// DailyAt fires once per calendar day, on the first poll inside hour h of
// the scheduler's time zone.
func DailyAt(hour int) Trigger { return dailyAt{hour: hour} }

func (d dailyAt) Due(now time.Time, lastFire int64, loc *time.Location, _ time.Duration) bool {
	local := now.In(loc)
	if local.Hour() != d.hour {
		return false
	}
	if lastFire == 0 {
		return true
	}
	last := time.Unix(lastFire, 0).In(loc)
	ly, lm, ld := last.Date()
	ny, nm, nd := local.Date()
	return ly != ny || lm != nm || ld != nd
}

func (d dailyAt) Validate() error {
	if d.hour < 0 || d.hour > 23 {
		return fmt.Errorf("daily hour %d outside 0-23", d.hour)
	}
	return nil
}

func (d dailyAt) String() string { return fmt.Sprintf("daily@%02d", d.hour) }

type every struct{ minutes int }

// Every fires when at least m whole minutes have passed since the last fire.
func Every(minutes int) Trigger { return every{minutes: minutes} }

func (e every) Due(now time.Time, lastFire int64, _ *time.Location, _ time.Duration) bool {
	return (now.Unix()-lastFire)/60 >= int64(e.minutes)
}

func (e every) Validate() error {
	if e.minutes <= 0 {
		return fmt.Errorf("interval minutes must be positive, got %d", e.minutes)
	}
	return nil
}

func (e every) String() string { return fmt.Sprintf("every %dm", e.minutes) }

type cronTrigger struct {
	expr  string
	sched cronlib.Schedule
	err   error
}

// CronExpr fires when the expression's next activation after the last fire
// has arrived. A never-fired event looks back one poll interval.
func CronExpr(expr string) Trigger {
	sched, err := cronParser.Parse(expr)
	return cronTrigger{expr: expr, sched: sched, err: err}
}

func (c cronTrigger) Due(now time.Time, lastFire int64, loc *time.Location, poll time.Duration) bool {
	if c.err != nil {
		return false
	}
	base := now.Add(-poll)
	if lastFire != 0 {
		base = time.Unix(lastFire, 0)
	}
	next := c.sched.Next(base.In(loc))
	return !next.After(now)
}

func (c cronTrigger) Validate() error {
	if c.err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", c.expr, c.err)
	}
	return nil
}

func (c cronTrigger) String() string { return "cron " + c.expr }

// Resolution is a dynamic builder's answer. Empty Text means nothing to
// report this time. Noteworthy drives stability hysteresis.
type Resolution struct {
	Text       string
	Noteworthy bool
}

// DynamicBuilder computes an event's directive at fire time.
type DynamicBuilder interface {
	Build(ctx context.Context, now time.Time) (Resolution, error)
}

// DynamicFunc adapts a function to DynamicBuilder.
type DynamicFunc func(ctx context.Context, now time.Time) (Resolution, error)

func (f DynamicFunc) Build(ctx context.Context, now time.Time) (Resolution, error) {
	return f(ctx, now)
}

// Event is one statically defined scheduled item. Exactly one of Directive
// and Dynamic is set; Dynamic names an entry in Config.Builders.
type Event struct {
	Key         string
	Trigger     Trigger
	Directive   string
	Dynamic     string
	SessionID   string
	PrincipalID string
	// Hysteresis marks the single event whose quiet fires are counted and
	// summarized by an occasional "still stable" notice.
	Hysteresis bool
}

func validateEvents(events []Event, builders map[string]DynamicBuilder) error {
	seen := make(map[string]struct{}, len(events))
	hysteresis := ""
	for i, ev := range events {
		if ev.Key == "" {
			return fmt.Errorf("event #%d: key must be non-empty", i)
		}
		if _, dup := seen[ev.Key]; dup {
			return fmt.Errorf("event %q: duplicate key", ev.Key)
		}
		seen[ev.Key] = struct{}{}
		if ev.Trigger == nil {
			return fmt.Errorf("event %q: trigger required", ev.Key)
		}
		if err := ev.Trigger.Validate(); err != nil {
			return fmt.Errorf("event %q: %w", ev.Key, err)
		}
		hasStatic, hasDynamic := ev.Directive != "", ev.Dynamic != ""
		if hasStatic == hasDynamic {
			return fmt.Errorf("event %q: exactly one of directive and dynamic must be set", ev.Key)
		}
		if hasDynamic {
			if _, ok := builders[ev.Dynamic]; !ok {
				return fmt.Errorf("event %q: unknown dynamic builder %q", ev.Key, ev.Dynamic)
			}
		}
		if ev.Hysteresis {
			if hysteresis != "" {
				return fmt.Errorf("event %q: hysteresis already assigned to %q", ev.Key, hysteresis)
			}
			hysteresis = ev.Key
		}
	}
	return nil
}
