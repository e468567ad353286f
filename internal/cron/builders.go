package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/pulse/internal/persistence"
	"github.com/basket/pulse/internal/ratelimit"
	"github.com/basket/pulse/internal/shared"
)

// Names of the built-in dynamic builders.
const (
	BuilderAgentHealth = "agent_health"
	BuilderDailyDigest = "daily_digest"
)

const digestRunScan = 500

// AgentLister lists persisted agent state.
type AgentLister interface {
	ListAgentStates(ctx context.Context) ([]persistence.AgentState, error)
}

// RunLister is an AgentLister that can also read run history.
type RunLister interface {
	AgentLister
	ListRunRecords(ctx context.Context, agentID string, limit int) ([]persistence.RunRecord, error)
}

// AgentHealth reports agents that are failing, backing off, or were
// stopped by consecutive failures, plus an active rate-limit pause. All
// healthy is quiet.
func AgentHealth(src AgentLister, rl *ratelimit.Coordinator) DynamicBuilder {
	return DynamicFunc(func(ctx context.Context, now time.Time) (Resolution, error) {
		states, err := src.ListAgentStates(ctx)
		if err != nil {
			return Resolution{}, fmt.Errorf("list agent states: %w", err)
		}
		var lines []string
		for _, st := range states {
			switch {
			case st.Status == "error", st.Status == "backoff":
			case st.Status == "stopped" && st.ConsecutiveErrors > 0:
			default:
				continue
			}
			line := fmt.Sprintf("- %s: %s (%d consecutive errors)", st.AgentID, st.Status, st.ConsecutiveErrors)
			if st.LastError != "" {
				line += ": " + shared.Truncate(st.LastError, 160)
			}
			lines = append(lines, line)
		}
		if until := rl.PausedUntil(); !until.IsZero() {
			lines = append(lines, fmt.Sprintf("- dispatch paused by rate limit until %s", until.In(now.Location()).Format("15:04 MST")))
		}
		if len(lines) == 0 {
			return Resolution{}, nil
		}
		return Resolution{
			Text:       "Agent health check:\n" + strings.Join(lines, "\n"),
			Noteworthy: true,
		}, nil
	})
}

// DailyDigest summarizes every agent's runs over the previous 24 hours.
// No runs means nothing to report.
func DailyDigest(src RunLister) DynamicBuilder {
	return DynamicFunc(func(ctx context.Context, now time.Time) (Resolution, error) {
		states, err := src.ListAgentStates(ctx)
		if err != nil {
			return Resolution{}, fmt.Errorf("list agent states: %w", err)
		}
		since := now.Add(-24 * time.Hour)
		var lines []string
		for _, st := range states {
			runs, err := src.ListRunRecords(ctx, st.AgentID, digestRunScan)
			if err != nil {
				return Resolution{}, fmt.Errorf("list runs for %s: %w", st.AgentID, err)
			}
			var total, ok, failed, limited int
			for _, r := range runs {
				if r.StartedAt.Before(since) {
					continue
				}
				total++
				switch r.Outcome {
				case persistence.RunOutcomeSuccess:
					ok++
				case persistence.RunOutcomeError:
					failed++
				case persistence.RunOutcomeRateLimit:
					limited++
				}
			}
			if total == 0 {
				continue
			}
			lines = append(lines, fmt.Sprintf("- %s: %d runs, %d ok, %d failed, %d rate-limited (status %s)",
				st.AgentID, total, ok, failed, limited, st.Status))
		}
		if len(lines) == 0 {
			return Resolution{}, nil
		}
		return Resolution{
			Text:       "Daily digest for the last 24h:\n" + strings.Join(lines, "\n"),
			Noteworthy: true,
		}, nil
	})
}

// Builtins returns the built-in builders keyed by name.
func Builtins(src RunLister, rl *ratelimit.Coordinator) map[string]DynamicBuilder {
	return map[string]DynamicBuilder{
		BuilderAgentHealth: AgentHealth(src, rl),
		BuilderDailyDigest: DailyDigest(src),
	}
}
