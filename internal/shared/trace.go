package shared

import (
	"context"

	"github.com/google/uuid"
)

// ctxKey names the identifiers a heartbeat or scheduler fire carries through
// dispatch; the logger stamps them onto records.
type ctxKey uint8

const (
	agentIDKey ctxKey = iota
	runIDKey
	eventKeyKey
)

func withValue(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithAgentID tags ctx with the agent being ticked.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return withValue(ctx, agentIDKey, agentID)
}

// AgentID returns the agent tag, or "".
func AgentID(ctx context.Context) string { return value(ctx, agentIDKey) }

// WithRunID tags ctx with one dispatch attempt.
func WithRunID(ctx context.Context, runID string) context.Context {
	return withValue(ctx, runIDKey, runID)
}

// RunID returns the run tag, or "-" outside a dispatch.
func RunID(ctx context.Context) string {
	if v := value(ctx, runIDKey); v != "" {
		return v
	}
	return "-"
}

// NewRunID returns a fresh random run id.
func NewRunID() string {
	return uuid.NewString()
}

// WithEventKey tags ctx with the scheduled event key or "reminder:<id>".
func WithEventKey(ctx context.Context, key string) context.Context {
	return withValue(ctx, eventKeyKey, key)
}

// EventKey returns the fire tag, or "".
func EventKey(ctx context.Context) string { return value(ctx, eventKeyKey) }
