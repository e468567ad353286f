package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Fire kinds and outcomes recorded in scheduler_fires.
const (
	FireKindEvent    = "event"
	FireKindReminder = "reminder"

	FireOutcomeDispatched    = "dispatched"
	FireOutcomeSkipped       = "skipped"
	FireOutcomeBuildError    = "build_error"
	FireOutcomeDispatchError = "dispatch_error"
	FireOutcomeStableNotice  = "stable_notice"
)

// FireRecord is one scheduler delivery attempt. Append-only.
type FireRecord struct {
	ID      int64     `json:"id"`
	Key     string    `json:"key"`
	Kind    string    `json:"kind"`
	FiredAt time.Time `json:"fired_at"`
	Outcome string    `json:"outcome"`
	Error   string    `json:"error,omitempty"`
}

// Reminder is a one-shot directive delivered once at or after FireAt.
type Reminder struct {
	ID        int64     `json:"id"`
	FireAt    time.Time `json:"fire_at"`
	Message   string    `json:"message"`
	Fired     bool      `json:"fired"`
	CreatedAt time.Time `json:"created_at"`
}

// GetLastFire returns the epoch seconds of the event's last fire, or 0 when
// it has never fired.
func (s *Store) GetLastFire(ctx context.Context, key string) (int64, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx, `SELECT last_fire_epoch FROM event_last_fire WHERE event_key = ?;`, key).Scan(&epoch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get last fire: %w", err)
	}
	return epoch, nil
}

func (s *Store) PutLastFire(ctx context.Context, key string, epoch int64) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO event_last_fire (event_key, last_fire_epoch) VALUES (?, ?)
			ON CONFLICT(event_key) DO UPDATE SET last_fire_epoch = excluded.last_fire_epoch;
		`, key, epoch)
		if err != nil {
			return fmt.Errorf("put last fire: %w", err)
		}
		return nil
	})
}

func (s *Store) AppendFireRecord(ctx context.Context, rec FireRecord) error {
	if rec.FiredAt.IsZero() {
		rec.FiredAt = time.Now()
	}
	var errText any
	if rec.Error != "" {
		errText = rec.Error
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduler_fires (fire_key, kind, fired_at, outcome, error)
			VALUES (?, ?, ?, ?, ?);
		`, rec.Key, rec.Kind, rec.FiredAt.UTC(), rec.Outcome, errText)
		if err != nil {
			return fmt.Errorf("append fire record: %w", err)
		}
		return nil
	})
}

// ListFireRecords returns the most recent scheduler fires, newest first.
func (s *Store) ListFireRecords(ctx context.Context, limit int) ([]FireRecord, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fire_key, kind, fired_at, outcome, COALESCE(error, '')
		FROM scheduler_fires
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list fire records: %w", err)
	}
	defer rows.Close()
	var out []FireRecord
	for rows.Next() {
		var rec FireRecord
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.Kind, &rec.FiredAt, &rec.Outcome, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan fire record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list fire records: iterate: %w", err)
	}
	return out, nil
}

// --- Reminders ---

func (s *Store) InsertReminder(ctx context.Context, fireAt time.Time, message string) (int64, error) {
	if strings.TrimSpace(message) == "" {
		return 0, ErrEmptyMessage
	}
	var id int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO reminders (fire_at_epoch, message, fired, created_at) VALUES (?, ?, 0, ?);
		`, fireAt.Unix(), message, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert reminder: last id: %w", err)
		}
		return nil
	})
	return id, err
}

func (s *Store) queryReminders(ctx context.Context, q string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		var r Reminder
		var epoch int64
		var fired int
		if err := rows.Scan(&r.ID, &epoch, &r.Message, &fired, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		r.FireAt = time.Unix(epoch, 0)
		r.Fired = fired == 1
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reminders rows: %w", err)
	}
	return out, nil
}

// ListDueReminders returns unfired reminders whose fire time is at or before
// nowEpoch, oldest first.
func (s *Store) ListDueReminders(ctx context.Context, nowEpoch int64) ([]Reminder, error) {
	return s.queryReminders(ctx, `
		SELECT id, fire_at_epoch, message, fired, created_at
		FROM reminders
		WHERE fired = 0 AND fire_at_epoch <= ?
		ORDER BY fire_at_epoch ASC, id ASC;
	`, nowEpoch)
}

// ListPendingReminders returns every unfired reminder, soonest first.
func (s *Store) ListPendingReminders(ctx context.Context) ([]Reminder, error) {
	return s.queryReminders(ctx, `
		SELECT id, fire_at_epoch, message, fired, created_at
		FROM reminders
		WHERE fired = 0
		ORDER BY fire_at_epoch ASC, id ASC;
	`)
}

// MarkReminderFired flips the fired flag. It reports true only to the caller
// whose update changed the row, so a reminder is claimed at most once.
func (s *Store) MarkReminderFired(ctx context.Context, id int64) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE reminders SET fired = 1 WHERE id = ? AND fired = 0;`, id)
		if err != nil {
			return fmt.Errorf("mark reminder fired: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark reminder fired: rows affected: %w", err)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// DeleteUnfiredReminder cancels a pending reminder. It reports false when the
// reminder does not exist or has already fired.
func (s *Store) DeleteUnfiredReminder(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ? AND fired = 0;`, id)
		if err != nil {
			return fmt.Errorf("delete reminder: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete reminder: rows affected: %w", err)
		}
		deleted = n == 1
		return nil
	})
	return deleted, err
}
