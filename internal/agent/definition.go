// Package agent runs named heartbeat agents. Each Runtime wakes on its own
// period, builds a directive, and hands it to a dispatcher, backing off on
// errors and disabling itself after repeated failures.
package agent

import (
	"errors"
	"fmt"
	"time"
)

// Status is the externally visible state of a Runtime.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
	StatusBackoff Status = "backoff"
)

// ErrUnknownAgent is returned by registry operations targeting an id that
// was never registered.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrAgentDisabled is returned by Restart when the agent's enable flag is off.
var ErrAgentDisabled = errors.New("agent is disabled")

// DirectiveBuilder produces the directive for a cycle. Returning false
// declines the cycle: nothing is dispatched, but the cycle still advances.
type DirectiveBuilder interface {
	Build(cycle int64) (string, bool)
}

// BuilderFunc adapts a function to DirectiveBuilder.
type BuilderFunc func(cycle int64) (string, bool)

func (f BuilderFunc) Build(cycle int64) (string, bool) { return f(cycle) }

// Definition is the static description of one agent.
type Definition struct {
	ID          string
	Name        string
	Role        string
	Heartbeat   time.Duration
	Enabled     bool
	SessionID   string
	PrincipalID string
	Builder     DirectiveBuilder
}

func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("agent id must be non-empty")
	}
	if d.Heartbeat <= 0 {
		return fmt.Errorf("agent %q: heartbeat must be positive", d.ID)
	}
	if d.Builder == nil {
		return fmt.Errorf("agent %q: directive builder required", d.ID)
	}
	return nil
}

// Snapshot is a point-in-time copy of a runtime's state for operators.
type Snapshot struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Role              string     `json:"role,omitempty"`
	Enabled           bool       `json:"enabled"`
	Status            Status     `json:"status"`
	Cycle             int64      `json:"cycle"`
	TotalRuns         int64      `json:"total_runs"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	CreatedAt         time.Time  `json:"created_at"`
	HeartbeatSeconds  int64      `json:"heartbeat_seconds"`
	Running           bool       `json:"running"`
}
