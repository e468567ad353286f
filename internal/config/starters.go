package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/basket/pulse/internal/cron"
)

// StarterAgents returns example agents for first-run setup. They are
// written disabled so nothing dispatches until the operator opts in.
func StarterAgents() []AgentEntry {
	off := false
	return []AgentEntry{
		{
			ID:               "scout",
			Name:             "Scout",
			Role:             "monitor",
			HeartbeatMinutes: 30,
			Enabled:          &off,
			Directives: []string{
				"Check the inbox and summarize anything that needs a reply today.",
				"Review open alerts and flag anything that has been firing for more than an hour.",
			},
			ActiveHours: "8-20",
		},
		{
			ID:               "librarian",
			Name:             "Librarian",
			Role:             "notes",
			HeartbeatMinutes: 240,
			Enabled:          &off,
			Directives: []string{
				"Tidy today's notes into the journal and list unresolved questions.",
			},
		},
	}
}

// StarterEvents returns the default scheduler table: a morning digest and
// a half-hourly health check that stays quiet while everything is fine.
func StarterEvents() []EventEntry {
	eight := 8
	return []EventEntry{
		{Key: "daily_digest", DailyAt: &eight, Dynamic: cron.BuilderDailyDigest},
		{Key: "agent_health", EveryMinutes: 30, Dynamic: cron.BuilderAgentHealth, Hysteresis: true},
	}
}

// WriteStarter writes a starter config.yaml into homeDir. It refuses to
// overwrite an existing file.
func WriteStarter(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config already exists: %s", path)
	}
	cfg := defaultConfig()
	cfg.Agents = StarterAgents()
	cfg.Scheduler.Events = StarterEvents()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create pulse home: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return path, nil
}
