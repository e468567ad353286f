package agent

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/pulse/internal/bus"
	"github.com/basket/pulse/internal/dispatch"
	"github.com/basket/pulse/internal/otel"
	"github.com/basket/pulse/internal/persistence"
	"github.com/basket/pulse/internal/ratelimit"
	"github.com/basket/pulse/internal/shared"
)

const (
	// DefaultDisableThreshold is the consecutive-failure count that stops an agent.
	DefaultDisableThreshold = 5
	// DefaultStartDelay is the base delay before an agent's first tick.
	DefaultStartDelay = 30 * time.Second

	baseBackoff    = 10 * time.Second
	maxStartJitter = 15 * time.Second
	maxErrorText   = 1000
)

// Tick outcomes reported to metrics.
const (
	tickSkipped   = "skipped"
	tickPaused    = "paused"
	tickBackoff   = "backoff"
	tickDeclined  = "declined"
	tickSuccess   = persistence.RunOutcomeSuccess
	tickError     = persistence.RunOutcomeError
	tickRateLimit = persistence.RunOutcomeRateLimit
)

// StateStore is the persistence a Runtime needs. *persistence.Store
// satisfies it.
type StateStore interface {
	GetAgentState(ctx context.Context, agentID string) (*persistence.AgentState, error)
	PutAgentState(ctx context.Context, st persistence.AgentState) error
	AppendRunRecord(ctx context.Context, rec persistence.RunRecord) error
	ListRunRecords(ctx context.Context, agentID string, limit int) ([]persistence.RunRecord, error)
}

// Config holds the dependencies shared by every Runtime.
type Config struct {
	Store      StateStore
	Dispatcher dispatch.Dispatcher
	RateLimit  *ratelimit.Coordinator
	Logger     *slog.Logger
	Bus        *bus.Bus
	Metrics    *otel.Metrics
	Tracer     trace.Tracer

	// AdminSessionID receives the one escalation sent when an agent disables
	// itself. Empty skips the escalation.
	AdminSessionID   string
	AdminPrincipalID string

	// StartDelay is the wait before the first tick. Zero selects
	// DefaultStartDelay plus a per-agent jitter; negative starts immediately.
	StartDelay       time.Duration
	DisableThreshold int
	Now              func() time.Time
}

// Runtime drives one agent's heartbeat.
type Runtime struct {
	def            Definition
	store          StateStore
	dispatcher     dispatch.Dispatcher
	rl             *ratelimit.Coordinator
	logger         *slog.Logger
	bus            *bus.Bus
	metrics        *otel.Metrics
	tracer         trace.Tracer
	adminSession   string
	adminPrincipal string
	startDelay     time.Duration
	threshold      int
	now            func() time.Time

	mu        sync.Mutex
	enabled   bool
	status    Status
	cycle     int64
	totalRuns int64
	lastRunAt *time.Time
	lastError string
	errCount  int
	createdAt time.Time
	running   bool // dispatch outstanding
	stopped   bool
	restored  bool
	cancel    context.CancelFunc
	loopWG    sync.WaitGroup
	stateSeq  uint64 // bumped each time a state copy is taken under mu

	// persistMu orders store writes made outside mu. persisted is the
	// stateSeq last written; an older copy arriving late is dropped.
	persistMu sync.Mutex
	persisted uint64
}

func NewRuntime(def Definition, cfg Config) (*Runtime, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("agent %q: store required", def.ID)
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("agent %q: dispatcher required", def.ID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.NoopTracer()
	}
	rl := cfg.RateLimit
	if rl == nil {
		rl = ratelimit.New(ratelimit.Options{})
	}
	threshold := cfg.DisableThreshold
	if threshold <= 0 {
		threshold = DefaultDisableThreshold
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	delay := cfg.StartDelay
	switch {
	case delay == 0:
		delay = DefaultStartDelay + startJitter(def.ID)
	case delay < 0:
		delay = 0
	}
	status := StatusIdle
	if !def.Enabled {
		status = StatusStopped
	}
	return &Runtime{
		def:            def,
		store:          cfg.Store,
		dispatcher:     cfg.Dispatcher,
		rl:             rl,
		logger:         logger.With("agent_id", def.ID),
		bus:            cfg.Bus,
		metrics:        cfg.Metrics,
		tracer:         tracer,
		adminSession:   cfg.AdminSessionID,
		adminPrincipal: cfg.AdminPrincipalID,
		startDelay:     delay,
		threshold:      threshold,
		now:            now,
		enabled:        def.Enabled,
		status:         status,
	}, nil
}

// startJitter spreads first ticks so agents do not all fire at boot.
func startJitter(id string) time.Duration {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return time.Duration(h.Sum32()%uint32(maxStartJitter/time.Millisecond)) * time.Millisecond
}

// backoffFor returns min(2^n * 10s, 2 * heartbeat).
func backoffFor(consecutiveErrors int, heartbeat time.Duration) time.Duration {
	ceiling := 2 * heartbeat
	if consecutiveErrors >= 30 {
		return ceiling
	}
	d := baseBackoff << uint(consecutiveErrors)
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

func (r *Runtime) ID() string { return r.def.ID }

func (r *Runtime) Definition() Definition { return r.def }

// Start restores persisted state on first use and arms the heartbeat timer.
// Starting an armed runtime is a no-op. A disabled runtime moves to stopped
// without arming.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.restore(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return nil
	}
	if !r.enabled {
		r.stopped = true
		r.setStatusLocked(StatusStopped)
		st, seq := r.stateLocked()
		r.mu.Unlock()
		r.persist(ctx, st, seq)
		r.logger.Info("agent disabled; not arming heartbeat")
		return nil
	}
	if r.errCount >= r.threshold {
		r.logger.Warn("consecutive errors at disable threshold, resetting for a fresh start",
			"consecutive_errors", r.errCount)
		r.errCount = 0
	}
	r.stopped = false
	if !r.running {
		r.setStatusLocked(StatusIdle)
	}
	st, seq := r.stateLocked()

	// The heartbeat outlives the caller's context; Stop ends it.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.loopWG.Add(1)
	go r.loop(loopCtx, r.startDelay)
	r.mu.Unlock()

	r.persist(ctx, st, seq)
	r.logger.Info("agent started", "heartbeat", r.def.Heartbeat, "start_delay", r.startDelay, "cycle", st.Cycle)
	return nil
}

// Stop disarms the timer and persists the final state. An in-flight dispatch
// is not aborted; the runtime lands in stopped once it returns.
func (r *Runtime) Stop(ctx context.Context) {
	restoreErr := r.restore(ctx)

	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	alreadyStopped := r.stopped && cancel == nil && r.status == StatusStopped
	var (
		st  persistence.AgentState
		seq uint64
	)
	if !alreadyStopped {
		r.stopped = true
		if !r.running {
			r.setStatusLocked(StatusStopped)
		}
		st, seq = r.stateLocked()
	}
	r.mu.Unlock()

	if !alreadyStopped && restoreErr == nil {
		r.persist(ctx, st, seq)
	}
	if cancel != nil {
		cancel()
		r.loopWG.Wait()
	}
	if !alreadyStopped {
		r.logger.Info("agent stopped")
	}
}

// SetEnabled flips the enable flag. It neither arms nor disarms the timer.
func (r *Runtime) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

func (r *Runtime) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Snapshot returns a copy of the runtime's state.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		ID:                r.def.ID,
		Name:              r.def.Name,
		Role:              r.def.Role,
		Enabled:           r.enabled,
		Status:            r.status,
		Cycle:             r.cycle,
		TotalRuns:         r.totalRuns,
		LastError:         r.lastError,
		ConsecutiveErrors: r.errCount,
		CreatedAt:         r.createdAt,
		HeartbeatSeconds:  int64(r.def.Heartbeat / time.Second),
		Running:           r.running,
	}
	if r.lastRunAt != nil {
		t := *r.lastRunAt
		snap.LastRunAt = &t
	}
	return snap
}

// RecentRuns returns the agent's latest run records, newest first.
func (r *Runtime) RecentRuns(ctx context.Context, limit int) ([]persistence.RunRecord, error) {
	return r.store.ListRunRecords(ctx, r.def.ID, limit)
}

func (r *Runtime) loop(ctx context.Context, delay time.Duration) {
	defer r.loopWG.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	r.fire(ctx)

	ticker := time.NewTicker(r.def.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fire(ctx)
		}
	}
}

// fire runs a tick on its own goroutine. Overlap is prevented by the
// running guard inside Tick, not by the timer. Stopping the timer must not
// cancel a dispatch already under way.
func (r *Runtime) fire(ctx context.Context) {
	go r.Tick(context.WithoutCancel(ctx))
}

// Tick performs one heartbeat: the same path the timer takes.
// Store I/O happens outside mu so Snapshot never waits on a busy database.
func (r *Runtime) Tick(ctx context.Context) {
	if err := r.restore(ctx); err != nil {
		r.logger.Error("tick skipped: state restore failed", "error", err)
		return
	}

	r.mu.Lock()
	if !r.enabled || r.stopped || r.running {
		r.mu.Unlock()
		r.metrics.RecordTick(ctx, r.def.ID, tickSkipped)
		return
	}
	if r.rl.IsPaused() {
		r.mu.Unlock()
		r.logger.Debug("tick skipped: rate limit pause active", "paused_until", r.rl.PausedUntil())
		r.metrics.RecordTick(ctx, r.def.ID, tickPaused)
		return
	}

	now := r.now()
	if r.errCount > 0 && r.lastRunAt != nil {
		wait := backoffFor(r.errCount, r.def.Heartbeat)
		if now.Sub(*r.lastRunAt) < wait {
			r.setStatusLocked(StatusBackoff)
			st, seq := r.stateLocked()
			r.mu.Unlock()
			r.persist(ctx, st, seq)
			r.logger.Debug("tick skipped: error backoff", "consecutive_errors", st.ConsecutiveErrors, "backoff", wait)
			r.metrics.RecordTick(ctx, r.def.ID, tickBackoff)
			return
		}
	}

	cycle := r.cycle
	directive, ok := r.def.Builder.Build(cycle)
	r.cycle++
	if !ok {
		st, seq := r.stateLocked()
		r.mu.Unlock()
		r.persist(ctx, st, seq)
		r.logger.Debug("builder declined cycle", "cycle", cycle)
		r.metrics.RecordTick(ctx, r.def.ID, tickDeclined)
		return
	}

	r.running = true
	r.setStatusLocked(StatusRunning)
	st, seq := r.stateLocked()
	r.mu.Unlock()
	r.persist(ctx, st, seq)

	r.runDispatch(ctx, cycle, directive, now)
}

func (r *Runtime) identityHeader(cycle int64) string {
	return fmt.Sprintf("[agent:%s role=%s cycle=%d]\n", r.def.ID, r.def.Role, cycle)
}

func (r *Runtime) runDispatch(ctx context.Context, cycle int64, directive string, start time.Time) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	runID := shared.NewRunID()
	ctx = shared.WithRunID(shared.WithAgentID(ctx, r.def.ID), runID)
	spanCtx, span := otel.StartClientSpan(ctx, r.tracer, "agent.dispatch",
		otel.AttrAgentID.String(r.def.ID),
		otel.AttrCycle.Int64(cycle),
		otel.AttrRunID.String(runID),
		otel.AttrSessionID.String(r.def.SessionID),
	)
	result, err := r.callDispatcher(spanCtx, r.def.SessionID, r.identityHeader(cycle)+directive, r.def.PrincipalID)
	end := r.now()
	duration := end.Sub(start)
	if duration < 0 {
		duration = 0
	}

	rec := persistence.RunRecord{
		RunID:      runID,
		AgentID:    r.def.ID,
		Cycle:      cycle,
		StartedAt:  start,
		DurationMS: duration.Milliseconds(),
	}
	var (
		disabled   bool
		pauseUntil time.Time
		fromHint   bool
	)

	r.mu.Lock()
	switch {
	case err != nil:
		rec.Outcome = tickError
		r.errCount++
		r.lastError = shared.Truncate(shared.Redact(err.Error()), maxErrorText)
		rec.Error = r.lastError
		t := end
		r.lastRunAt = &t
		r.setStatusLocked(StatusError)
		if r.errCount >= r.threshold {
			disabled = true
			r.stopped = true
			if r.cancel != nil {
				r.cancel()
				r.cancel = nil
			}
		}
	default:
		until, limited, hint := r.rl.ObserveDetail(result)
		if limited {
			rec.Outcome = tickRateLimit
			rec.Error = shared.Truncate(shared.Redact(result), 200)
			pauseUntil, fromHint = until, hint
			r.setStatusLocked(StatusBackoff)
		} else {
			rec.Outcome = tickSuccess
			r.errCount = 0
			t := end
			r.lastRunAt = &t
			r.totalRuns++
			r.setStatusLocked(StatusIdle)
		}
	}
	if r.stopped {
		r.setStatusLocked(StatusStopped)
	}
	st, seq := r.stateLocked()
	errCount, lastErr := r.errCount, r.lastError
	r.mu.Unlock()

	if appendErr := r.store.AppendRunRecord(ctx, rec); appendErr != nil {
		r.logger.ErrorContext(ctx, "append run record failed", "error", appendErr)
	}
	r.persist(ctx, st, seq)

	r.metrics.RecordDispatch(ctx, r.def.ID, rec.Outcome, duration)
	r.metrics.RecordTick(ctx, r.def.ID, rec.Outcome)
	otel.EndSpan(span, rec.Outcome, err)

	r.bus.Publish(bus.TopicAgentRun, bus.AgentRunEvent{
		AgentID:  r.def.ID,
		RunID:    runID,
		Cycle:    cycle,
		Outcome:  rec.Outcome,
		Duration: duration,
		Error:    rec.Error,
	})

	switch rec.Outcome {
	case tickSuccess:
		r.logger.InfoContext(ctx, "heartbeat dispatched", "cycle", cycle, "duration", duration)
	case tickRateLimit:
		r.logger.WarnContext(ctx, "rate limit detected, pausing all agents",
			"cycle", cycle, "paused_until", pauseUntil, "from_hint", fromHint)
		r.metrics.RecordPause(ctx, fromHint)
		r.bus.Publish(bus.TopicRateLimited, bus.RateLimitedEvent{
			AgentID:     r.def.ID,
			PausedUntil: pauseUntil,
			FromHint:    fromHint,
		})
	case tickError:
		r.logger.WarnContext(ctx, "heartbeat dispatch failed",
			"cycle", cycle, "consecutive_errors", errCount, "error", lastErr)
	}

	if disabled {
		r.logger.ErrorContext(ctx, "agent disabled after consecutive failures",
			"consecutive_errors", errCount, "error", lastErr)
		r.metrics.RecordDisabled(ctx, r.def.ID)
		r.bus.Publish(bus.TopicAgentDisabled, bus.AgentDisabledEvent{
			AgentID:           r.def.ID,
			ConsecutiveErrors: errCount,
			LastError:         lastErr,
		})
		r.notifyAdmin(ctx, errCount, lastErr)
	}
}

// callDispatcher turns a dispatcher panic into an ordinary failure.
func (r *Runtime) callDispatcher(ctx context.Context, sessionID, directive, principalID string) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatcher panic: %v", p)
		}
	}()
	return r.dispatcher.Dispatch(ctx, sessionID, directive, principalID)
}

// notifyAdmin sends the single best-effort escalation. Its failure is only logged.
func (r *Runtime) notifyAdmin(ctx context.Context, errCount int, lastErr string) {
	if r.adminSession == "" {
		r.logger.Warn("no admin session configured, escalation skipped")
		return
	}
	name := r.def.Name
	if name == "" {
		name = r.def.ID
	}
	msg := fmt.Sprintf("[pulse] agent %s (%s) was disabled after %d consecutive failures. Last error: %s. Restart it once the cause is fixed.",
		r.def.ID, name, errCount, lastErr)
	if _, err := r.callDispatcher(ctx, r.adminSession, msg, r.adminPrincipal); err != nil {
		r.logger.Warn("admin escalation failed", "error", err)
	}
}

// restore loads persisted state once. The read runs without mu; if two
// callers race, the first to apply wins.
func (r *Runtime) restore(ctx context.Context) error {
	r.mu.Lock()
	done := r.restored
	r.mu.Unlock()
	if done {
		return nil
	}

	st, err := r.store.GetAgentState(ctx, r.def.ID)
	if err != nil {
		return fmt.Errorf("restore agent state: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.restored {
		r.applyLocked(st)
	}
	return nil
}

func (r *Runtime) applyLocked(st *persistence.AgentState) {
	r.restored = true
	if st == nil {
		r.createdAt = r.now()
		return
	}
	r.cycle = st.Cycle
	r.totalRuns = st.TotalRuns
	r.lastRunAt = st.LastRunAt
	r.lastError = st.LastError
	r.errCount = st.ConsecutiveErrors
	r.createdAt = st.CreatedAt
	prev := Status(st.Status)
	if prev == StatusRunning {
		r.logger.Info("previous dispatch did not survive restart", "cycle", st.Cycle)
		prev = StatusIdle
	}
	if prev != "" {
		r.status = prev
	}
	// A stopped agent stays inert until Start.
	r.stopped = prev == StatusStopped
}

// stateLocked copies the persistable state and stamps it with a sequence
// number for persist.
func (r *Runtime) stateLocked() (persistence.AgentState, uint64) {
	r.stateSeq++
	st := persistence.AgentState{
		AgentID:           r.def.ID,
		Status:            string(r.status),
		Cycle:             r.cycle,
		TotalRuns:         r.totalRuns,
		LastError:         r.lastError,
		ConsecutiveErrors: r.errCount,
		CreatedAt:         r.createdAt,
	}
	if r.lastRunAt != nil {
		t := *r.lastRunAt
		st.LastRunAt = &t
	}
	return st, r.stateSeq
}

// persist writes a copy taken by stateLocked. Must be called without mu.
func (r *Runtime) persist(ctx context.Context, st persistence.AgentState, seq uint64) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if seq <= r.persisted {
		return
	}
	r.persisted = seq
	if err := r.store.PutAgentState(ctx, st); err != nil {
		r.logger.Error("persist agent state failed", "error", err)
	}
}

func (r *Runtime) setStatusLocked(s Status) {
	if r.status == s {
		return
	}
	old := r.status
	r.status = s
	r.bus.Publish(bus.TopicAgentStatus, bus.AgentStatusEvent{
		AgentID:   r.def.ID,
		OldStatus: string(old),
		NewStatus: string(s),
	})
}
