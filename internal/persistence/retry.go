package persistence

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrBusy wraps the last driver error once retryOnBusy gives up. The gateway
// reports it as 503 so operators retry instead of treating it as a bug.
var ErrBusy = errors.New("store busy")

const (
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

// retryOnBusy retries f while SQLite reports BUSY or LOCKED. Delays double
// from 50ms up to 500ms with ±25% jitter, on top of the driver's own
// busy_timeout. Any other error is returned as is.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt >= maxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrBusy, attempt+1, err)
		}
		t := time.NewTimer(busyDelay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func busyDelay(attempt int) time.Duration {
	d := busyMaxDelay
	if attempt < 4 {
		d = min(busyBaseDelay<<attempt, busyMaxDelay)
	}
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)))
}

// isSQLiteBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, either as
// a typed driver error or (after wrapping through database/sql) by message.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
