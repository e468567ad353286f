package cron

import "sync"

// DefaultStabilityThreshold is the run of quiet fires after which one
// "still stable" notice goes out.
const DefaultStabilityThreshold = 10

// hysteresis counts consecutive quiet fires of one event. State lives in
// memory only; a restart may repeat a notice once.
type hysteresis struct {
	mu        sync.Mutex
	threshold int
	quiet     int
	notified  bool
}

func newHysteresis(threshold int) *hysteresis {
	if threshold <= 0 {
		threshold = DefaultStabilityThreshold
	}
	return &hysteresis{threshold: threshold}
}

// observe records one fire. It returns true exactly when a quiet run first
// reaches the threshold.
func (h *hysteresis) observe(noteworthy bool) (notify bool, quietRun int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if noteworthy {
		h.quiet = 0
		h.notified = false
		return false, 0
	}
	h.quiet++
	if h.quiet >= h.threshold && !h.notified {
		h.notified = true
		return true, h.quiet
	}
	return false, h.quiet
}

func (h *hysteresis) state() (quiet int, notified bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quiet, h.notified
}
