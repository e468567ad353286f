package cron

import (
	"testing"
	"time"
)

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"+90m", now.Add(90 * time.Minute), false},
		{"2h30m", now.Add(150 * time.Minute), false},
		{"2026-04-02T08:00:00Z", time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC), false},
		{"2026-04-02T08:00:00+02:00", time.Date(2026, 4, 2, 6, 0, 0, 0, time.UTC), false},
		{"", time.Time{}, true},
		{"-5m", time.Time{}, true},
		{"tomorrow", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := ParseWhen(tt.in, now)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseWhen(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || !got.Equal(tt.want) {
			t.Fatalf("ParseWhen(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestHysteresisObserve(t *testing.T) {
	h := newHysteresis(0)
	if h.threshold != DefaultStabilityThreshold {
		t.Fatalf("threshold = %d", h.threshold)
	}
	notices := 0
	for i := 1; i <= 25; i++ {
		if notify, _ := h.observe(false); notify {
			notices++
			if i != 10 {
				t.Fatalf("notice on fire %d, want 10", i)
			}
		}
	}
	if notices != 1 {
		t.Fatalf("expected one notice per quiet run, got %d", notices)
	}
	h.observe(true)
	if quiet, notified := h.state(); quiet != 0 || notified {
		t.Fatalf("noteworthy fire did not reset: quiet=%d notified=%v", quiet, notified)
	}
}
