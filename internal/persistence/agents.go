package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Agent state (one row per agent, owned by that agent's runtime) ---

// AgentState is the durable slice of a heartbeat agent's runtime state.
type AgentState struct {
	AgentID           string     `json:"agent_id"`
	Status            string     `json:"status"`
	Cycle             int64      `json:"cycle"`
	TotalRuns         int64      `json:"total_runs"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Run outcomes recorded in agent_runs.
const (
	RunOutcomeSuccess   = "success"
	RunOutcomeError     = "error"
	RunOutcomeRateLimit = "rate_limit"
)

// RunRecord is one dispatch attempt by an agent. Append-only.
type RunRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	AgentID    string    `json:"agent_id"`
	Cycle      int64     `json:"cycle"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

func scanAgentState(scanFn func(dest ...any) error, st *AgentState) error {
	var lastRun sql.NullTime
	var lastErr sql.NullString
	if err := scanFn(&st.AgentID, &st.Status, &st.Cycle, &st.TotalRuns, &lastRun, &lastErr,
		&st.ConsecutiveErrors, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return err
	}
	if lastRun.Valid {
		t := lastRun.Time
		st.LastRunAt = &t
	}
	st.LastError = lastErr.String
	return nil
}

// GetAgentState returns the persisted state for agentID, or nil if the agent
// has never been saved.
func (s *Store) GetAgentState(ctx context.Context, agentID string) (*AgentState, error) {
	var st AgentState
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, status, cycle, total_runs, last_run_at, last_error,
			consecutive_errors, created_at, updated_at
		FROM agent_state WHERE agent_id = ?;
	`, agentID)
	if err := scanAgentState(row.Scan, &st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent state: %w", err)
	}
	return &st, nil
}

// PutAgentState upserts the agent's row. created_at is set on first insert
// and preserved afterwards.
func (s *Store) PutAgentState(ctx context.Context, st AgentState) error {
	if st.AgentID == "" {
		return fmt.Errorf("put agent state: agent id required")
	}
	now := time.Now().UTC()
	created := st.CreatedAt.UTC()
	if st.CreatedAt.IsZero() {
		created = now
	}
	var lastRun any
	if st.LastRunAt != nil {
		lastRun = st.LastRunAt.UTC()
	}
	var lastErr any
	if st.LastError != "" {
		lastErr = st.LastError
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_state (agent_id, status, cycle, total_runs, last_run_at, last_error,
				consecutive_errors, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				status = excluded.status,
				cycle = excluded.cycle,
				total_runs = excluded.total_runs,
				last_run_at = excluded.last_run_at,
				last_error = excluded.last_error,
				consecutive_errors = excluded.consecutive_errors,
				updated_at = excluded.updated_at;
		`, st.AgentID, st.Status, st.Cycle, st.TotalRuns, lastRun, lastErr,
			st.ConsecutiveErrors, created, now)
		if err != nil {
			return fmt.Errorf("put agent state: %w", err)
		}
		return nil
	})
}

// ListAgentStates returns every persisted agent row ordered by id.
func (s *Store) ListAgentStates(ctx context.Context) ([]AgentState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, status, cycle, total_runs, last_run_at, last_error,
			consecutive_errors, created_at, updated_at
		FROM agent_state ORDER BY agent_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agent states: %w", err)
	}
	defer rows.Close()
	var out []AgentState
	for rows.Next() {
		var st AgentState
		if err := scanAgentState(rows.Scan, &st); err != nil {
			return nil, fmt.Errorf("scan agent state: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agent states: iterate: %w", err)
	}
	return out, nil
}

func (s *Store) AppendRunRecord(ctx context.Context, rec RunRecord) error {
	if rec.AgentID == "" || rec.RunID == "" {
		return fmt.Errorf("append run record: agent id and run id required")
	}
	var errText any
	if rec.Error != "" {
		errText = rec.Error
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_runs (run_id, agent_id, cycle, started_at, duration_ms, outcome, error)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, rec.RunID, rec.AgentID, rec.Cycle, rec.StartedAt.UTC(), rec.DurationMS, rec.Outcome, errText)
		if err != nil {
			return fmt.Errorf("append run record: %w", err)
		}
		return nil
	})
}

// ListRunRecords returns the agent's most recent runs, newest first.
func (s *Store) ListRunRecords(ctx context.Context, agentID string, limit int) ([]RunRecord, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, agent_id, cycle, started_at, duration_ms, outcome, COALESCE(error, '')
		FROM agent_runs
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.AgentID, &rec.Cycle, &rec.StartedAt,
			&rec.DurationMS, &rec.Outcome, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run records: iterate: %w", err)
	}
	return out, nil
}
