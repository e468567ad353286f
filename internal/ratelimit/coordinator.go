// Package ratelimit coordinates the process-wide pause that every heartbeat
// agent honors after a dispatch reports a rate limit or exhausted quota.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultFallbackPause applies when a rate-limited result carries no
// parseable reset time.
const DefaultFallbackPause = 2 * time.Hour

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	FallbackPause time.Duration
	Now           func() time.Time
}

// Coordinator holds the single shared pause deadline. Construct one per
// process and hand the pointer to every runtime.
type Coordinator struct {
	mu          sync.Mutex
	pausedUntil time.Time
	fallback    time.Duration
	now         func() time.Time
}

func New(opts Options) *Coordinator {
	c := &Coordinator{fallback: opts.FallbackPause, now: opts.Now}
	if c.fallback <= 0 {
		c.fallback = DefaultFallbackPause
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// IsPaused reports whether the shared pause is active.
func (c *Coordinator) IsPaused() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.pausedUntil)
}

// PausedUntil returns the pause deadline, or the zero time when no pause was
// ever set or the last one has expired.
func (c *Coordinator) PausedUntil() time.Time {
	if c == nil {
		return time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.now().Before(c.pausedUntil) {
		return time.Time{}
	}
	return c.pausedUntil
}

// PauseFor extends the pause to now+d and returns the effective deadline.
func (c *Coordinator) PauseFor(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extendLocked(c.now().Add(d))
}

// PauseUntil extends the pause to t. An earlier deadline never shortens an
// active pause; the later of the two wins.
func (c *Coordinator) PauseUntil(t time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extendLocked(t)
}

func (c *Coordinator) extendLocked(t time.Time) time.Time {
	if t.After(c.pausedUntil) {
		c.pausedUntil = t
	}
	return c.pausedUntil
}

// Clear ends any pause immediately.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pausedUntil = time.Time{}
}

// Observe inspects a dispatch result. When it carries a rate-limit
// signature the shared pause is extended, to the hinted reset time when one
// parses and by the fallback duration otherwise. It returns the effective
// deadline and whether the result was rate limited.
func (c *Coordinator) Observe(result string) (time.Time, bool) {
	until, limited, _ := c.ObserveDetail(result)
	return until, limited
}

// ObserveDetail is Observe plus whether the deadline came from a reset hint.
func (c *Coordinator) ObserveDetail(result string) (until time.Time, limited bool, fromHint bool) {
	if !Detect(result) {
		return time.Time{}, false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if reset, ok := ResetHint(result, now); ok {
		return c.extendLocked(reset), true, true
	}
	return c.extendLocked(now.Add(c.fallback)), true, false
}
