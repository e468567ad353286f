// Package gateway exposes the operator HTTP API: agent status and control,
// scheduler fires, reminders and the global rate-limit pause.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/pulse/internal/agent"
	"github.com/basket/pulse/internal/audit"
	"github.com/basket/pulse/internal/bus"
	"github.com/basket/pulse/internal/cron"
	"github.com/basket/pulse/internal/otel"
	"github.com/basket/pulse/internal/persistence"
	"github.com/basket/pulse/internal/ratelimit"
)

const maxBodyBytes = 64 << 10

// Pinger reports database reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MetricsSource serves GET /metrics.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]otel.MetricPoint, error)
}

type Config struct {
	Store     Pinger
	Registry  *agent.Registry
	Scheduler *cron.Scheduler
	RateLimit *ratelimit.Coordinator
	Bus       *bus.Bus
	Metrics   MetricsSource
	Logger    *slog.Logger

	// AuthToken, when set, is required as a bearer token on every route
	// except /healthz.
	AuthToken string

	// ConfigFingerprint is the hash of the active config reported by /healthz.
	ConfigFingerprint string

	Now func() time.Time
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{cfg: cfg, logger: logger, now: now}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /agents", s.guard(s.handleAgents))
	mux.HandleFunc("GET /agents/{id}/runs", s.guard(s.handleAgentRuns))
	mux.HandleFunc("POST /agents/{id}/{action}", s.guard(s.handleAgentAction))

	mux.HandleFunc("GET /scheduler/fires", s.guard(s.handleFires))
	mux.HandleFunc("GET /reminders", s.guard(s.handleListReminders))
	mux.HandleFunc("POST /reminders", s.guard(s.handleAddReminder))
	mux.HandleFunc("DELETE /reminders/{id}", s.guard(s.handleCancelReminder))

	mux.HandleFunc("GET /ratelimit", s.guard(s.handleRateLimit))
	mux.HandleFunc("DELETE /ratelimit", s.guard(s.handleClearRateLimit))

	mux.HandleFunc("GET /metrics", s.guard(s.handleMetrics))
	mux.HandleFunc("GET /events", s.guard(s.handleEvents))
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Store.Ping(ctx); err != nil {
			dbOK = false
		}
	}
	agentCount := 0
	if s.cfg.Registry != nil {
		agentCount = len(s.cfg.Registry.Stats())
	}
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"agent_count": agentCount,
		"paused":      s.cfg.RateLimit.IsPaused(),
		"config_hash": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.cfg.Registry.Stats()})
}

func (s *Server) handleAgentRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runs, err := s.cfg.Registry.RecentRuns(r.Context(), id, queryLimit(r, 20))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "runs": runs})
}

func (s *Server) handleAgentAction(w http.ResponseWriter, r *http.Request) {
	id, action := r.PathValue("id"), r.PathValue("action")
	var err error
	switch action {
	case "enable":
		err = s.cfg.Registry.Enable(id)
	case "disable":
		err = s.cfg.Registry.Disable(r.Context(), id)
	case "restart":
		err = s.cfg.Registry.Restart(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "unknown action "+strconv.Quote(action))
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	audit.Record("agent."+action, id, actor(r), "")
	s.logger.Info("operator agent command", "agent_id", id, "action", action)

	rt, err := s.cfg.Registry.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": rt.Snapshot()})
}

func (s *Server) handleFires(w http.ResponseWriter, r *http.Request) {
	fires, err := s.cfg.Scheduler.RecentFires(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fires": fires})
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	pending, err := s.cfg.Scheduler.PendingReminders(r.Context())
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reminders": pending})
}

type addReminderRequest struct {
	// When is an RFC 3339 timestamp or a relative duration such as "+90m".
	When    string `json:"when"`
	Message string `json:"message"`
}

func (s *Server) handleAddReminder(w http.ResponseWriter, r *http.Request) {
	var req addReminderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	fireAt, err := cron.ParseWhen(req.When, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message must be non-empty")
		return
	}
	id, err := s.cfg.Scheduler.AddReminder(r.Context(), fireAt, req.Message)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	audit.Record("reminder.add", strconv.FormatInt(id, 10), actor(r), "fire_at="+fireAt.UTC().Format(time.RFC3339))
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "fire_at": fireAt.UTC()})
}

func (s *Server) handleCancelReminder(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reminder id "+strconv.Quote(raw))
		return
	}
	if err := s.cfg.Scheduler.CancelReminder(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	audit.Record("reminder.cancel", raw, actor(r), "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"paused": false}
	if until := s.cfg.RateLimit.PausedUntil(); !until.IsZero() {
		payload["paused"] = true
		payload["paused_until"] = until.UTC()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleClearRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RateLimit == nil {
		writeError(w, http.StatusServiceUnavailable, "rate-limit coordinator not configured")
		return
	}
	s.cfg.RateLimit.Clear()
	audit.Record("ratelimit.clear", "global", actor(r), "")
	s.logger.Info("operator cleared rate-limit pause")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeError(w, http.StatusNotFound, otel.ErrMetricsDisabled.Error())
		return
	}
	points, err := s.cfg.Metrics.Snapshot(r.Context())
	switch {
	case errors.Is(err, otel.ErrMetricsDisabled):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if points == nil {
		points = []otel.MetricPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrUnknownAgent), errors.Is(err, cron.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrAgentDisabled):
		return http.StatusConflict
	case errors.Is(err, persistence.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// storeStatus maps read and insert failures, which are never conflicts.
func storeStatus(err error) int {
	if errors.Is(err, persistence.ErrBusy) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
