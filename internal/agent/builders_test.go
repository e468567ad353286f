package agent

import (
	"testing"
	"time"
)

func TestRotation(t *testing.T) {
	b := Rotation("a", "b", "c")
	for cycle, want := range []string{"a", "b", "c", "a", "b"} {
		got, ok := b.Build(int64(cycle))
		if !ok || got != want {
			t.Fatalf("cycle %d: got %q ok=%v, want %q", cycle, got, ok, want)
		}
	}

	if _, ok := Rotation().Build(0); ok {
		t.Fatal("empty rotation must decline")
	}
	gap := Rotation("first", "  ")
	if _, ok := gap.Build(1); ok {
		t.Fatal("blank prompt must decline")
	}
}

func TestActiveHours(t *testing.T) {
	inner := Rotation("work")
	at := func(hour int) func() time.Time {
		return func() time.Time { return time.Date(2026, 4, 1, hour, 30, 0, 0, time.UTC) }
	}

	tests := []struct {
		name       string
		start, end int
		hour       int
		want       bool
	}{
		{"inside day window", 9, 17, 10, true},
		{"window start inclusive", 9, 17, 9, true},
		{"window end exclusive", 9, 17, 17, false},
		{"before window", 9, 17, 8, false},
		{"overnight late", 22, 6, 23, true},
		{"overnight early", 22, 6, 3, true},
		{"overnight midday", 22, 6, 12, false},
		{"always", 0, 0, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &activeHours{loc: time.UTC, start: tt.start, end: tt.end, inner: inner, now: at(tt.hour)}
			_, ok := b.Build(0)
			if ok != tt.want {
				t.Fatalf("Build at %02d:30 = %v, want %v", tt.hour, ok, tt.want)
			}
		})
	}
}

func TestActiveHours_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	// 23:00 UTC is 09:00 at UTC+10.
	b := &activeHours{loc: loc, start: 9, end: 17, inner: Rotation("x"),
		now: func() time.Time { return time.Date(2026, 4, 1, 23, 0, 0, 0, time.UTC) }}
	if _, ok := b.Build(0); !ok {
		t.Fatal("expected window evaluated in the configured zone")
	}
}

func TestActiveHoursConstructor(t *testing.T) {
	b := ActiveHours(time.UTC, 0, 0, Rotation("always"))
	if got, ok := b.Build(0); !ok || got != "always" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
}
