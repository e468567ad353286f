package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/pulse/internal/agent"
	"github.com/basket/pulse/internal/cron"
	"github.com/basket/pulse/internal/otel"
)

// Dispatch modes.
const (
	DispatchLog  = "log"
	DispatchExec = "exec"
)

// AgentEntry defines one heartbeat agent in config.yaml.
type AgentEntry struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Role             string   `yaml:"role"`
	HeartbeatMinutes int      `yaml:"heartbeat_minutes"`
	Enabled          *bool    `yaml:"enabled,omitempty"` // nil means enabled
	SessionID        string   `yaml:"session_id"`
	PrincipalID      string   `yaml:"principal_id"`
	Directives       []string `yaml:"directives"`
	// ActiveHours restricts dispatch to a local-hour window such as "9-17"
	// or "22-6". Empty means always.
	ActiveHours string `yaml:"active_hours,omitempty"`
}

// IsEnabled reports the effective enable flag.
func (e AgentEntry) IsEnabled() bool { return e.Enabled == nil || *e.Enabled }

// EventEntry defines one scheduled event. Exactly one of DailyAt,
// EveryMinutes and Cron selects the trigger.
type EventEntry struct {
	Key          string `yaml:"key"`
	DailyAt      *int   `yaml:"daily_at,omitempty"`
	EveryMinutes int    `yaml:"every_minutes,omitempty"`
	Cron         string `yaml:"cron,omitempty"`
	Directive    string `yaml:"directive,omitempty"`
	Dynamic      string `yaml:"dynamic,omitempty"`
	SessionID    string `yaml:"session_id,omitempty"`
	PrincipalID  string `yaml:"principal_id,omitempty"`
	Hysteresis   bool   `yaml:"hysteresis,omitempty"`
}

type SchedulerConfig struct {
	PollSeconds         int          `yaml:"poll_seconds"`
	Timezone            string       `yaml:"timezone"`
	ReminderSessionID   string       `yaml:"reminder_session_id"`
	ReminderPrincipalID string       `yaml:"reminder_principal_id"`
	StabilityThreshold  int          `yaml:"stability_threshold"`
	Events              []EventEntry `yaml:"events"`
}

// DispatchConfig selects how directives are delivered. Sessions with the
// telegram: scheme always go to Telegram when a token is configured.
type DispatchConfig struct {
	Mode           string   `yaml:"mode"`
	Command        []string `yaml:"command"`
	Dir            string   `yaml:"dir"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

type RateLimitConfig struct {
	FallbackPauseMinutes int `yaml:"fallback_pause_minutes"`
}

// AdminConfig addresses the escalation sent when an agent disables itself.
type AdminConfig struct {
	SessionID   string `yaml:"session_id"`
	PrincipalID string `yaml:"principal_id"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`
	// AuthToken guards the HTTP API. Empty leaves it open, which is only
	// sensible on a loopback bind.
	AuthToken string `yaml:"auth_token"`

	// Retention policy (days). 0 = keep forever.
	RetentionRunsDays  int `yaml:"retention_runs_days"`
	RetentionFiresDays int `yaml:"retention_fires_days"`

	Agents    []AgentEntry    `yaml:"agents"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Admin     AdminConfig     `yaml:"admin"`
	Telemetry otel.Config     `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that need a restart to
// change. Agent enable flags are excluded; those reload live.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|tz=%s|poll=%d|mode=%s|cmd=%v",
		c.BindAddr, c.LogLevel, c.DBPath, c.Scheduler.Timezone, c.Scheduler.PollSeconds,
		c.Dispatch.Mode, c.Dispatch.Command)
	for _, a := range c.Agents {
		fmt.Fprintf(h, "|agent=%s:%d:%s:%s:%v:%s", a.ID, a.HeartbeatMinutes, a.SessionID,
			a.PrincipalID, a.Directives, a.ActiveHours)
	}
	for _, e := range c.Scheduler.Events {
		fmt.Fprintf(h, "|event=%+v", e)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:           "127.0.0.1:18790",
		LogLevel:           "info",
		RetentionRunsDays:  90,
		RetentionFiresDays: 90,
		Scheduler: SchedulerConfig{
			PollSeconds:        60,
			Timezone:           "UTC",
			StabilityThreshold: cron.DefaultStabilityThreshold,
		},
		Dispatch: DispatchConfig{
			Mode:           DispatchLog,
			TimeoutSeconds: int((10 * time.Minute).Seconds()),
		},
		RateLimit: RateLimitConfig{FallbackPauseMinutes: 120},
	}
}

func HomeDir() string {
	if override := os.Getenv("PULSE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pulse")
}

// Load reads config.yaml from HomeDir().
func Load() (Config, error) {
	return LoadDir(HomeDir())
}

// LoadDir reads <homeDir>/config.yaml, applies env overrides, normalizes and
// validates. A missing file yields defaults with NeedsGenesis set.
func LoadDir(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create pulse home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "pulse.db")
	}
	if cfg.Scheduler.PollSeconds <= 0 {
		cfg.Scheduler.PollSeconds = 60
	}
	if strings.TrimSpace(cfg.Scheduler.Timezone) == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Scheduler.StabilityThreshold <= 0 {
		cfg.Scheduler.StabilityThreshold = cron.DefaultStabilityThreshold
	}
	cfg.Dispatch.Mode = strings.ToLower(strings.TrimSpace(cfg.Dispatch.Mode))
	if cfg.Dispatch.Mode == "" {
		cfg.Dispatch.Mode = DispatchLog
	}
	if cfg.Dispatch.TimeoutSeconds <= 0 {
		cfg.Dispatch.TimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.RateLimit.FallbackPauseMinutes <= 0 {
		cfg.RateLimit.FallbackPauseMinutes = 120
	}
	if cfg.Telegram.Token != "" {
		cfg.Telegram.Enabled = true
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		a.ID = strings.TrimSpace(a.ID)
		if a.Name == "" {
			a.Name = a.ID
		}
		if a.SessionID == "" {
			a.SessionID = "agent:" + a.ID
		}
	}
}

func validate(cfg *Config) error {
	if _, err := cfg.Location(); err != nil {
		return err
	}
	switch cfg.Dispatch.Mode {
	case DispatchLog:
	case DispatchExec:
		if len(cfg.Dispatch.Command) == 0 {
			return fmt.Errorf("dispatch.command is required when dispatch.mode is exec")
		}
	default:
		return fmt.Errorf("unknown dispatch.mode %q (want log or exec)", cfg.Dispatch.Mode)
	}
	seen := make(map[string]struct{}, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents: id must be non-empty")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("agents: duplicate id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		if a.HeartbeatMinutes <= 0 {
			return fmt.Errorf("agent %q: heartbeat_minutes must be positive", a.ID)
		}
		if a.ActiveHours != "" {
			if _, _, err := parseActiveHours(a.ActiveHours); err != nil {
				return fmt.Errorf("agent %q: %w", a.ID, err)
			}
		}
	}
	for _, e := range cfg.Scheduler.Events {
		if _, err := e.Event(); err != nil {
			return err
		}
	}
	return nil
}

// Location resolves scheduler.timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// PollInterval is the scheduler's poll period.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollSeconds) * time.Second
}

// Definition converts the entry into an agent definition. Directive
// rotation and active hours are evaluated in loc.
func (e AgentEntry) Definition(loc *time.Location) (agent.Definition, error) {
	builder := agent.Rotation(e.Directives...)
	if e.ActiveHours != "" {
		start, end, err := parseActiveHours(e.ActiveHours)
		if err != nil {
			return agent.Definition{}, fmt.Errorf("agent %q: %w", e.ID, err)
		}
		builder = agent.ActiveHours(loc, start, end, builder)
	}
	def := agent.Definition{
		ID:          e.ID,
		Name:        e.Name,
		Role:        e.Role,
		Heartbeat:   time.Duration(e.HeartbeatMinutes) * time.Minute,
		Enabled:     e.IsEnabled(),
		SessionID:   e.SessionID,
		PrincipalID: e.PrincipalID,
		Builder:     builder,
	}
	return def, def.Validate()
}

// AgentDefinitions converts every agent entry.
func (c Config) AgentDefinitions() ([]agent.Definition, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	defs := make([]agent.Definition, 0, len(c.Agents))
	for _, e := range c.Agents {
		def, err := e.Definition(loc)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Event converts the entry into a scheduler event. Builder names are
// checked later by the scheduler.
func (e EventEntry) Event() (cron.Event, error) {
	var triggers []cron.Trigger
	if e.DailyAt != nil {
		triggers = append(triggers, cron.DailyAt(*e.DailyAt))
	}
	if e.EveryMinutes != 0 {
		triggers = append(triggers, cron.Every(e.EveryMinutes))
	}
	if e.Cron != "" {
		triggers = append(triggers, cron.CronExpr(e.Cron))
	}
	if len(triggers) != 1 {
		return cron.Event{}, fmt.Errorf("event %q: exactly one of daily_at, every_minutes and cron must be set", e.Key)
	}
	return cron.Event{
		Key:         e.Key,
		Trigger:     triggers[0],
		Directive:   e.Directive,
		Dynamic:     e.Dynamic,
		SessionID:   e.SessionID,
		PrincipalID: e.PrincipalID,
		Hysteresis:  e.Hysteresis,
	}, nil
}

// Events converts every scheduler event entry.
func (c Config) Events() ([]cron.Event, error) {
	out := make([]cron.Event, 0, len(c.Scheduler.Events))
	for _, e := range c.Scheduler.Events {
		ev, err := e.Event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// parseActiveHours parses "H-H" with hours in 0-23.
func parseActiveHours(s string) (start, end int, err error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, 0, fmt.Errorf("active_hours %q: want START-END", s)
	}
	start, err = strconv.Atoi(strings.TrimSpace(lo))
	if err != nil || start < 0 || start > 23 {
		return 0, 0, fmt.Errorf("active_hours %q: bad start hour", s)
	}
	end, err = strconv.Atoi(strings.TrimSpace(hi))
	if err != nil || end < 0 || end > 23 {
		return 0, 0, fmt.Errorf("active_hours %q: bad end hour", s)
	}
	return start, end, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PULSE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("PULSE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PULSE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("PULSE_TIMEZONE"); raw != "" {
		cfg.Scheduler.Timezone = raw
	}
	if raw := os.Getenv("PULSE_POLL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.PollSeconds = v
		}
	}
	if raw := os.Getenv("PULSE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}
