package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/basket/pulse/internal/agent"
	"github.com/basket/pulse/internal/config"
	"github.com/basket/pulse/internal/persistence"
)

func runInitCommand(_ context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: pulse init")
		return 2
	}
	path, err := config.WriteStarter(config.HomeDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	fmt.Fprintln(stdout, "starter agents are disabled; set enabled: true and a directive backend to begin.")
	return 0
}

// runStatusCommand prints the daemon's /healthz body. The exit code is
// non-zero when the daemon is unreachable or unhealthy.
func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: pulse status")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, client.baseURL+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := client.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

type agentsResponse struct {
	Agents []agent.Snapshot `json:"agents"`
}

func runAgentsCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: pulse agents")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var resp agentsResponse
	if err := client.do(ctx, http.MethodGet, "/agents", nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "agents: %v\n", err)
		return 1
	}
	if !tableOutput {
		return exitOnWrite(writeJSONOut(stdout, resp))
	}
	renderAgents(stdout, resp.Agents)
	return 0
}

func renderAgents(w io.Writer, agents []agent.Snapshot) {
	rows := make([][]string, 0, len(agents))
	for _, a := range agents {
		enabled := "no"
		if a.Enabled {
			enabled = "yes"
		}
		rows = append(rows, []string{
			a.ID,
			outcomeCell(string(a.Status)),
			enabled,
			strconv.FormatInt(a.Cycle, 10),
			strconv.FormatInt(a.TotalRuns, 10),
			strconv.Itoa(a.ConsecutiveErrors),
			timeCell(a.LastRunAt),
			orDash(a.LastError),
		})
	}
	renderTable(w, []string{"ID", "STATUS", "ENABLED", "CYCLE", "RUNS", "ERRORS", "LAST RUN", "LAST ERROR"}, rows)
}

type runsResponse struct {
	AgentID string                  `json:"agent_id"`
	Runs    []persistence.RunRecord `json:"runs"`
}

func runRunsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("pulse runs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 20, "number of runs to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: pulse runs [-limit N] <agent-id>")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var resp runsResponse
	path := fmt.Sprintf("/agents/%s/runs?limit=%d", fs.Arg(0), *limit)
	if err := client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "runs: %v\n", err)
		return 1
	}
	if !tableOutput {
		return exitOnWrite(writeJSONOut(stdout, resp))
	}
	rows := make([][]string, 0, len(resp.Runs))
	for _, run := range resp.Runs {
		started := run.StartedAt
		rows = append(rows, []string{
			strconv.FormatInt(run.Cycle, 10),
			timeCell(&started),
			(time.Duration(run.DurationMS) * time.Millisecond).String(),
			outcomeCell(run.Outcome),
			orDash(run.Error),
		})
	}
	renderTable(stdout, []string{"CYCLE", "STARTED", "DURATION", "OUTCOME", "ERROR"}, rows)
	return 0
}

func runAgentCommand(ctx context.Context, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: pulse agent enable|disable|restart <agent-id>")
		return 2
	}
	action, id := args[0], args[1]
	switch action {
	case "enable", "disable", "restart":
	default:
		fmt.Fprintf(os.Stderr, "unknown agent action %q\n", action)
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var resp struct {
		Agent agent.Snapshot `json:"agent"`
	}
	if err := client.do(ctx, http.MethodPost, "/agents/"+id+"/"+action, nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "agent %s: %v\n", action, err)
		return 1
	}
	if !tableOutput {
		return exitOnWrite(writeJSONOut(stdout, resp))
	}
	renderAgents(stdout, []agent.Snapshot{resp.Agent})
	return 0
}

func runRemindCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printRemindUsage(os.Stderr)
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	switch args[0] {
	case "add":
		if len(args) < 3 {
			printRemindUsage(os.Stderr)
			return 2
		}
		body := map[string]string{"when": args[1], "message": strings.Join(args[2:], " ")}
		var resp struct {
			ID     int64     `json:"id"`
			FireAt time.Time `json:"fire_at"`
		}
		if err := client.do(ctx, http.MethodPost, "/reminders", body, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "remind add: %v\n", err)
			return 1
		}
		if !tableOutput {
			return exitOnWrite(writeJSONOut(stdout, resp))
		}
		fmt.Fprintf(stdout, "reminder %d set for %s\n", resp.ID, resp.FireAt.Local().Format(time.RFC1123))
		return 0

	case "cancel":
		if len(args) != 2 {
			printRemindUsage(os.Stderr)
			return 2
		}
		if _, err := strconv.ParseInt(args[1], 10, 64); err != nil {
			fmt.Fprintf(os.Stderr, "remind cancel: invalid id %q\n", args[1])
			return 2
		}
		if err := client.do(ctx, http.MethodDelete, "/reminders/"+args[1], nil, nil); err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
				fmt.Fprintf(os.Stderr, "remind cancel: reminder %s is unknown or already fired\n", args[1])
				return 1
			}
			fmt.Fprintf(os.Stderr, "remind cancel: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "reminder %s cancelled\n", args[1])
		return 0

	case "list":
		if len(args) != 1 {
			printRemindUsage(os.Stderr)
			return 2
		}
		var resp struct {
			Reminders []persistence.Reminder `json:"reminders"`
		}
		if err := client.do(ctx, http.MethodGet, "/reminders", nil, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "remind list: %v\n", err)
			return 1
		}
		if !tableOutput {
			return exitOnWrite(writeJSONOut(stdout, resp))
		}
		rows := make([][]string, 0, len(resp.Reminders))
		for _, r := range resp.Reminders {
			at := r.FireAt
			rows = append(rows, []string{strconv.FormatInt(r.ID, 10), timeCell(&at), r.Message})
		}
		renderTable(stdout, []string{"ID", "FIRE AT", "MESSAGE"}, rows)
		return 0

	default:
		printRemindUsage(os.Stderr)
		return 2
	}
}

func printRemindUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: pulse remind add <RFC3339|+duration> <message>")
	fmt.Fprintln(w, "       pulse remind cancel <id>")
	fmt.Fprintln(w, "       pulse remind list")
}

func runFiresCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("pulse fires", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 50, "number of fires to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: pulse fires [-limit N]")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var resp struct {
		Fires []persistence.FireRecord `json:"fires"`
	}
	if err := client.do(ctx, http.MethodGet, fmt.Sprintf("/scheduler/fires?limit=%d", *limit), nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "fires: %v\n", err)
		return 1
	}
	if !tableOutput {
		return exitOnWrite(writeJSONOut(stdout, resp))
	}
	rows := make([][]string, 0, len(resp.Fires))
	for _, f := range resp.Fires {
		at := f.FiredAt
		rows = append(rows, []string{timeCell(&at), f.Kind, f.Key, outcomeCell(f.Outcome), orDash(f.Error)})
	}
	renderTable(stdout, []string{"FIRED", "KIND", "KEY", "OUTCOME", "ERROR"}, rows)
	return 0
}

// runPauseCommand shows or clears the global rate-limit pause.
func runPauseCommand(ctx context.Context, args []string) int {
	if len(args) > 1 || (len(args) == 1 && args[0] != "clear") {
		fmt.Fprintln(os.Stderr, "usage: pulse pause [clear]")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(args) == 1 {
		if err := client.do(ctx, http.MethodDelete, "/ratelimit", nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "pause clear: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "rate-limit pause cleared")
		return 0
	}
	var resp struct {
		Paused      bool       `json:"paused"`
		PausedUntil *time.Time `json:"paused_until,omitempty"`
	}
	if err := client.do(ctx, http.MethodGet, "/ratelimit", nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "pause: %v\n", err)
		return 1
	}
	if !tableOutput {
		return exitOnWrite(writeJSONOut(stdout, resp))
	}
	if !resp.Paused {
		fmt.Fprintln(stdout, okStyle.Render("not paused"))
		return 0
	}
	fmt.Fprintf(stdout, "%s until %s\n", errStyle.Render("paused"), timeCell(resp.PausedUntil))
	return 0
}

// runBackupCommand copies the database with VACUUM INTO. It opens the file
// directly, so it works whether or not the daemon is running.
func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: pulse backup <dest>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()
	if err := store.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "backed up %s to %s\n", cfg.DBPath, args[0])
	return 0
}

func exitOnWrite(err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "write output: %v\n", err)
		return 1
	}
	return 0
}
