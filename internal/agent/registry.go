package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/pulse/internal/persistence"
)

// Registry owns the set of agent runtimes. It adds no scheduling of its own.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
	cfg      Config
	logger   *slog.Logger
}

// NewRegistry creates a Registry whose runtimes share cfg.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runtimes: make(map[string]*Runtime),
		cfg:      cfg,
		logger:   logger,
	}
}

// Register constructs a runtime for def and starts it.
func (r *Registry) Register(ctx context.Context, def Definition) error {
	rt, err := NewRuntime(def, r.cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.runtimes[def.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("agent %q already registered", def.ID)
	}
	r.runtimes[def.ID] = rt
	r.mu.Unlock()

	if err := rt.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.runtimes, def.ID)
		r.mu.Unlock()
		return fmt.Errorf("start agent %q: %w", def.ID, err)
	}
	r.logger.Info("agent registered", "agent_id", def.ID, "enabled", def.Enabled, "heartbeat", def.Heartbeat)
	return nil
}

// Get returns the runtime for id.
func (r *Registry) Get(id string) (*Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return rt, nil
}

func (r *Registry) list() []*Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// StopAll stops every runtime. In-flight dispatches are left to finish.
func (r *Registry) StopAll(ctx context.Context) {
	for _, rt := range r.list() {
		rt.Stop(ctx)
	}
}

// Stats returns a snapshot of every runtime, sorted by id.
func (r *Registry) Stats() []Snapshot {
	rts := r.list()
	out := make([]Snapshot, 0, len(rts))
	for _, rt := range rts {
		out = append(out, rt.Snapshot())
	}
	return out
}

// Enable sets the enable flag only. The agent stays stopped until Restart.
func (r *Registry) Enable(id string) error {
	rt, err := r.Get(id)
	if err != nil {
		return err
	}
	rt.SetEnabled(true)
	return nil
}

// Disable clears the enable flag and stops the agent's timer.
func (r *Registry) Disable(ctx context.Context, id string) error {
	rt, err := r.Get(id)
	if err != nil {
		return err
	}
	rt.SetEnabled(false)
	rt.Stop(ctx)
	return nil
}

// Restart stops then starts an enabled agent. It is how an auto-disabled
// agent is brought back.
func (r *Registry) Restart(ctx context.Context, id string) error {
	rt, err := r.Get(id)
	if err != nil {
		return err
	}
	if !rt.Enabled() {
		return fmt.Errorf("%w: enable %q before restarting", ErrAgentDisabled, id)
	}
	rt.Stop(ctx)
	return rt.Start(ctx)
}

// RecentRuns returns id's latest run records, newest first.
func (r *Registry) RecentRuns(ctx context.Context, id string, limit int) ([]persistence.RunRecord, error) {
	rt, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return rt.RecentRuns(ctx, limit)
}

// Reconcile applies the enable flags of a reloaded definition set. Newly
// enabled agents are restarted, newly disabled ones stopped, and unseen ids
// registered. Other definition changes take effect on the next process start.
func (r *Registry) Reconcile(ctx context.Context, defs []Definition) error {
	var errs []error
	for _, def := range defs {
		rt, err := r.Get(def.ID)
		if errors.Is(err, ErrUnknownAgent) {
			if err := r.Register(ctx, def); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		was := rt.Enabled()
		switch {
		case def.Enabled && !was:
			rt.SetEnabled(true)
			if err := r.Restart(ctx, def.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			r.logger.Info("agent enabled by config reload", "agent_id", def.ID)
		case !def.Enabled && was:
			if err := r.Disable(ctx, def.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			r.logger.Info("agent disabled by config reload", "agent_id", def.ID)
		}
		if old := rt.Definition(); old.Heartbeat != def.Heartbeat || old.SessionID != def.SessionID {
			r.logger.Warn("agent definition changed; restart the daemon to apply", "agent_id", def.ID)
		}
	}
	return errors.Join(errs...)
}
