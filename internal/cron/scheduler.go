// Package cron is the time-keeping engine: it fires statically defined
// events on daily, interval or cron triggers and delivers one-shot
// reminders, each exactly once.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/pulse/internal/bus"
	"github.com/basket/pulse/internal/dispatch"
	"github.com/basket/pulse/internal/otel"
	"github.com/basket/pulse/internal/persistence"
	"github.com/basket/pulse/internal/shared"
)

// DefaultInterval is the poll period when Config.Interval is zero.
const DefaultInterval = time.Minute

// DefaultDeliveryTimeout bounds one dispatch when Config.DeliveryTimeout is
// zero. A poll stops waiting for a delivery after this long.
const DefaultDeliveryTimeout = 2 * time.Minute

// stopGrace is how long Stop waits for in-flight deliveries.
var stopGrace = 5 * time.Second

const maxFireError = 500

// ErrNotFound is returned when a reminder does not exist or already fired.
var ErrNotFound = errors.New("not found")

// Store is the persistence the scheduler needs. *persistence.Store
// satisfies it.
type Store interface {
	GetLastFire(ctx context.Context, key string) (int64, error)
	PutLastFire(ctx context.Context, key string, epoch int64) error
	AppendFireRecord(ctx context.Context, rec persistence.FireRecord) error
	ListFireRecords(ctx context.Context, limit int) ([]persistence.FireRecord, error)
	InsertReminder(ctx context.Context, fireAt time.Time, message string) (int64, error)
	ListDueReminders(ctx context.Context, nowEpoch int64) ([]persistence.Reminder, error)
	ListPendingReminders(ctx context.Context) ([]persistence.Reminder, error)
	MarkReminderFired(ctx context.Context, id int64) (bool, error)
	DeleteUnfiredReminder(ctx context.Context, id int64) (bool, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store      Store
	Dispatcher dispatch.Dispatcher
	Logger     *slog.Logger
	Bus        *bus.Bus
	Metrics    *otel.Metrics
	Tracer     trace.Tracer

	Events   []Event
	Builders map[string]DynamicBuilder
	Location *time.Location
	Interval time.Duration // tick interval; defaults to 1 minute if zero

	// DeliveryTimeout is the deadline handed to each dispatch.
	DeliveryTimeout time.Duration

	// ReminderSessionID and ReminderPrincipalID address reminders, and
	// events that do not name their own session.
	ReminderSessionID   string
	ReminderPrincipalID string

	StabilityThreshold int
	Now                func() time.Time
}

// Scheduler polls its event table and the reminder store and dispatches
// whatever is due.
type Scheduler struct {
	store      Store
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
	bus        *bus.Bus
	metrics    *otel.Metrics
	tracer     trace.Tracer

	events    []Event
	builders  map[string]DynamicBuilder
	loc       *time.Location
	interval  time.Duration
	session   string
	principal string
	now       func() time.Time
	stable    *hysteresis

	deliveryTimeout time.Duration

	pollMu     sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	deliveries sync.WaitGroup
}

// fireItem is one unit of phase-two work.
type fireItem struct {
	event    *Event
	reminder *persistence.Reminder
	at       time.Time
}

// NewScheduler validates the event table and returns a Scheduler. Any
// table error is fatal to construction.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("cron: store required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("cron: dispatcher required")
	}
	if cfg.Location == nil {
		return nil, errors.New("cron: time zone required")
	}
	if err := validateEvents(cfg.Events, cfg.Builders); err != nil {
		return nil, fmt.Errorf("cron: %w", err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.NoopTracer()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	deliveryTimeout := cfg.DeliveryTimeout
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}
	events := make([]Event, len(cfg.Events))
	copy(events, cfg.Events)
	return &Scheduler{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		tracer:     tracer,
		events:     events,
		builders:   cfg.Builders,
		loc:        cfg.Location,
		interval:   interval,
		session:    cfg.ReminderSessionID,
		principal:  cfg.ReminderPrincipalID,
		now:        now,
		stable:     newHysteresis(cfg.StabilityThreshold),

		deliveryTimeout: deliveryTimeout,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "events", len(s.events), "timezone", s.loc.String())
}

// Stop cancels the scheduler loop and waits for it to exit. In-flight
// deliveries get stopGrace to finish; a dispatch that ignores cancellation
// is left behind rather than blocking shutdown.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		s.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-time.After(stopGrace):
		s.logger.Warn("scheduler stopped with deliveries still in flight", "grace", stopGrace)
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Poll immediately on startup, then on each tick.
	s.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll fires everything due now. Deciding and claiming happen under the
// poll lock with last-fire timestamps persisted before any dispatch.
// Each claimed item is then delivered on its own goroutine. Poll waits for
// them up to the delivery timeout, so a dispatch that never returns holds
// back only its own item.
func (s *Scheduler) Poll(ctx context.Context) {
	items := s.collect(ctx)
	if len(items) == 0 {
		return
	}
	done := make(chan struct{}, len(items))
	for _, it := range items {
		s.deliveries.Add(1)
		go func(it fireItem) {
			defer s.deliveries.Done()
			s.deliver(ctx, it)
			done <- struct{}{}
		}(it)
	}

	timer := time.NewTimer(s.deliveryTimeout)
	defer timer.Stop()
	for n := 0; n < len(items); n++ {
		select {
		case <-done:
		case <-timer.C:
			s.logger.Warn("scheduler: deliveries outlived timeout; polling on", "pending", len(items)-n, "timeout", s.deliveryTimeout)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) collect(ctx context.Context) []fireItem {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	now := s.now()
	var items []fireItem
	for i := range s.events {
		ev := &s.events[i]
		last, err := s.store.GetLastFire(ctx, ev.Key)
		if err != nil {
			s.logger.Error("scheduler: read last fire failed", "event_key", ev.Key, "error", err)
			continue
		}
		if !ev.Trigger.Due(now, last, s.loc, s.interval) {
			continue
		}
		if err := s.store.PutLastFire(ctx, ev.Key, now.Unix()); err != nil {
			// Unrecorded fires would repeat on the next poll; skip instead.
			s.logger.Error("scheduler: persist last fire failed", "event_key", ev.Key, "error", err)
			continue
		}
		items = append(items, fireItem{event: ev, at: now})
	}

	due, err := s.store.ListDueReminders(ctx, now.Unix())
	if err != nil {
		s.logger.Error("scheduler: list due reminders failed", "error", err)
		return items
	}
	for i := range due {
		rem := due[i]
		claimed, err := s.store.MarkReminderFired(ctx, rem.ID)
		if err != nil {
			s.logger.Error("scheduler: claim reminder failed", "reminder_id", rem.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		items = append(items, fireItem{reminder: &rem, at: now})
	}
	return items
}

func (s *Scheduler) deliver(ctx context.Context, it fireItem) {
	var (
		key, kind, outcome string
		fireErr            error
	)
	if it.event != nil {
		key, kind = it.event.Key, persistence.FireKindEvent
	} else {
		key, kind = fmt.Sprintf("reminder:%d", it.reminder.ID), persistence.FireKindReminder
	}
	ctx = shared.WithEventKey(ctx, key)
	spanCtx, span := otel.StartSpan(ctx, s.tracer, "scheduler.fire", otel.AttrEventKey.String(key))

	func() {
		dctx, cancel := context.WithTimeout(spanCtx, s.deliveryTimeout)
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				outcome = persistence.FireOutcomeDispatchError
				fireErr = fmt.Errorf("panic: %v", p)
			}
		}()
		if it.event != nil {
			outcome, fireErr = s.fireEvent(dctx, it.event, it.at)
		} else {
			outcome, fireErr = s.fireReminder(dctx, it.reminder)
		}
	}()

	rec := persistence.FireRecord{Key: key, Kind: kind, FiredAt: it.at, Outcome: outcome}
	if fireErr != nil {
		rec.Error = shared.Truncate(shared.Redact(fireErr.Error()), maxFireError)
		s.logger.ErrorContext(ctx, "scheduler: fire failed", "outcome", outcome, "error", fireErr)
	} else {
		s.logger.InfoContext(ctx, "scheduler: fired", "outcome", outcome)
	}
	// The claim is already persisted; record the outcome even during shutdown.
	if err := s.store.AppendFireRecord(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.ErrorContext(ctx, "scheduler: append fire record failed", "error", err)
	}
	otel.EndSpan(span, outcome, fireErr)
	s.metrics.RecordFire(ctx, kind, outcome)
	s.bus.Publish(bus.TopicSchedulerFire, bus.SchedulerFireEvent{
		Key:     key,
		Kind:    kind,
		Outcome: outcome,
		Error:   rec.Error,
	})
}

func (s *Scheduler) fireEvent(ctx context.Context, ev *Event, now time.Time) (string, error) {
	res, err := s.resolve(ctx, ev, now)
	if err != nil {
		return persistence.FireOutcomeBuildError, err
	}

	text, outcome := res.Text, persistence.FireOutcomeDispatched
	if ev.Hysteresis {
		notify, quiet := s.stable.observe(res.Noteworthy)
		switch {
		case res.Noteworthy:
		case notify:
			text = stableNotice(ev.Key, quiet)
			outcome = persistence.FireOutcomeStableNotice
		default:
			text = ""
		}
	}
	if strings.TrimSpace(text) == "" {
		return persistence.FireOutcomeSkipped, nil
	}

	session, principal := ev.SessionID, ev.PrincipalID
	if session == "" {
		session = s.session
	}
	if principal == "" {
		principal = s.principal
	}
	if _, err := s.dispatcher.Dispatch(ctx, session, text, principal); err != nil {
		return persistence.FireOutcomeDispatchError, err
	}
	return outcome, nil
}

func (s *Scheduler) resolve(ctx context.Context, ev *Event, now time.Time) (Resolution, error) {
	if ev.Dynamic == "" {
		return Resolution{Text: ev.Directive, Noteworthy: true}, nil
	}
	b := s.builders[ev.Dynamic]
	res, err := b.Build(ctx, now.In(s.loc))
	if err != nil {
		return Resolution{}, fmt.Errorf("build %s: %w", ev.Dynamic, err)
	}
	return res, nil
}

func (s *Scheduler) fireReminder(ctx context.Context, rem *persistence.Reminder) (string, error) {
	directive := "Reminder: " + rem.Message
	if _, err := s.dispatcher.Dispatch(ctx, s.session, directive, s.principal); err != nil {
		return persistence.FireOutcomeDispatchError, err
	}
	return persistence.FireOutcomeDispatched, nil
}

func stableNotice(key string, quiet int) string {
	return fmt.Sprintf("Still stable: %s has reported nothing noteworthy for %d consecutive checks.", key, quiet)
}

// AddReminder schedules a one-shot reminder.
func (s *Scheduler) AddReminder(ctx context.Context, fireAt time.Time, message string) (int64, error) {
	if fireAt.IsZero() {
		return 0, errors.New("cron: reminder fire time required")
	}
	id, err := s.store.InsertReminder(ctx, fireAt, message)
	if err != nil {
		return 0, err
	}
	s.logger.Info("scheduler: reminder added", "reminder_id", id, "fire_at", fireAt.UTC())
	return id, nil
}

// CancelReminder removes a reminder that has not fired. It returns
// ErrNotFound for unknown or already fired reminders.
func (s *Scheduler) CancelReminder(ctx context.Context, id int64) error {
	ok, err := s.store.DeleteUnfiredReminder(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	s.logger.Info("scheduler: reminder cancelled", "reminder_id", id)
	return nil
}

// PendingReminders lists reminders that have not fired yet.
func (s *Scheduler) PendingReminders(ctx context.Context) ([]persistence.Reminder, error) {
	return s.store.ListPendingReminders(ctx)
}

// RecentFires lists the newest fire records.
func (s *Scheduler) RecentFires(ctx context.Context, limit int) ([]persistence.FireRecord, error) {
	return s.store.ListFireRecords(ctx, limit)
}

// Location returns the zone daily triggers are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.loc }
