package bus

import "time"

// Agent lifecycle topics.
const (
	TopicAgentStatus   = "agent.status"
	TopicAgentRun      = "agent.run"
	TopicAgentDisabled = "agent.disabled"
)

// Scheduler topics.
const (
	TopicSchedulerFire = "scheduler.fire"
	TopicRateLimited   = "ratelimit.paused"
)

// TopicStreamDropped is emitted only to SSE clients, never published, when a
// slow client missed events.
const TopicStreamDropped = "stream.dropped"

// AgentStatusEvent is published whenever an agent's persisted status changes.
type AgentStatusEvent struct {
	AgentID   string `json:"agent_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// AgentRunEvent is published after every tick that reached the dispatcher.
type AgentRunEvent struct {
	AgentID  string        `json:"agent_id"`
	RunID    string        `json:"run_id"`
	Cycle    int64         `json:"cycle"`
	Outcome  string        `json:"outcome"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// AgentDisabledEvent is published when an agent hits its consecutive-failure
// threshold and stops itself.
type AgentDisabledEvent struct {
	AgentID           string `json:"agent_id"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error,omitempty"`
}

// SchedulerFireEvent is published for every scheduled event or reminder fire.
type SchedulerFireEvent struct {
	Key     string `json:"key"`
	Kind    string `json:"kind"` // "event" or "reminder"
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// RateLimitedEvent is published when an agent's result trips the global pause.
type RateLimitedEvent struct {
	AgentID     string    `json:"agent_id"`
	PausedUntil time.Time `json:"paused_until"`
	FromHint    bool      `json:"from_hint"`
}
