package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unrelated", errors.New("no such table: reminders"), false},
		{"typed busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"typed locked wrapped", fmt.Errorf("claim reminder: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true},
		{"typed constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"message only", errors.New("put agent state: database is locked"), true},
		{"table lock message", errors.New("database table is locked"), true},
		{"code name", errors.New("SQLITE_BUSY"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSQLiteBusy(tt.err); got != tt.want {
				t.Fatalf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBusyDelayBounds(t *testing.T) {
	for attempt, base := range []time.Duration{50, 100, 200, 400, 500, 500, 500} {
		base *= time.Millisecond
		for i := 0; i < 20; i++ {
			d := busyDelay(attempt)
			if d < base-base/4 || d >= base+base/4 {
				t.Fatalf("attempt %d: delay %v outside ±25%% of %v", attempt, d, base)
			}
		}
	}
}

func TestRetryOnBusy_PassesThroughNonBusy(t *testing.T) {
	calls := 0
	sentinel := errors.New("constraint failed")
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) || errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want the original error unwrapped", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryOnBusy_RecoversAfterContention(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryOnBusy_GivesUpWithErrBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 1, func() error {
		calls++
		return errors.New("database is locked")
	})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	// One initial attempt plus one retry.
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return sqlite3.Error{Code: sqlite3.ErrLocked}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
