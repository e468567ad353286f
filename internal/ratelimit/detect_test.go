package ratelimit

import (
	"testing"
	"time"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"", false},
		{"finished triage, nothing urgent", false},
		{"API error: rate limit exceeded", true},
		{`{"type":"rate_limit_error"}`, true},
		{"Request was Rate-Limited by upstream", true},
		{"Your credit balance is too low to access the API", true},
		{"Claude usage limit reached|1760000000", true},
		{"HTTP 429 Too Many Requests", true},
		{"5-hour limit resets 4am (Europe/Berlin)", true},
		{"the budget resets monthly", false},
	}
	for _, tt := range tests {
		if got := Detect(tt.text); got != tt.want {
			t.Errorf("Detect(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestResetHint_SameDay(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	got, ok := ResetHint("limit resets 3pm (UTC)", now)
	if !ok {
		t.Fatal("expected hint")
	}
	if want := time.Date(2026, 5, 1, 15, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestResetHint_RollsToNextDay(t *testing.T) {
	now := time.Date(2026, 5, 1, 16, 0, 0, 0, time.UTC)
	got, ok := ResetHint("resets at 3pm (GMT)", now)
	if !ok {
		t.Fatal("expected hint")
	}
	if want := time.Date(2026, 5, 2, 15, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestResetHint_ExactlyNowRollsForward(t *testing.T) {
	now := time.Date(2026, 5, 1, 15, 0, 0, 0, time.UTC)
	got, ok := ResetHint("resets 3pm (UTC)", now)
	if !ok || !got.After(now) {
		t.Fatalf("hint must be strictly after now, got %v ok=%v", got, ok)
	}
}

func TestResetHint_NamedZoneWithMinutes(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tz database unavailable: %v", err)
	}
	// 09:00 in New York.
	now := time.Date(2026, 7, 10, 9, 0, 0, 0, loc)
	got, ok := ResetHint("usage limit reached, resets at 11:30am (America/New_York)", now)
	if !ok {
		t.Fatal("expected hint")
	}
	want := time.Date(2026, 7, 10, 11, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestResetHint_MidnightAndNoon(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	got, ok := ResetHint("resets 12am (UTC)", now)
	if !ok || !got.Equal(time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("12am: got %v ok=%v", got, ok)
	}
	got, ok = ResetHint("resets 12pm (UTC)", now)
	if !ok || !got.Equal(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("12pm: got %v ok=%v", got, ok)
	}
}

func TestResetHint_Rejects(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, text := range []string{
		"resets 3pm (Mars/Olympus_Mons)",
		"resets 13pm (UTC)",
		"resets 0am (UTC)",
		"resets soon",
		"rate limit",
	} {
		if got, ok := ResetHint(text, now); ok {
			t.Errorf("ResetHint(%q) = %v, want no hint", text, got)
		}
	}
}
