//go:build ignore

// sigkill_chaos verifies pulse's crash recovery. It builds the daemon,
// starts it, SIGKILLs it, rewrites the agent row as if the kill landed
// mid-dispatch, queues a due reminder, restarts the daemon and checks that:
//   - the database opens and passes an integrity check
//   - the agent left in "running" comes back idle with its cycle intact
//   - the due reminder fires exactly once
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/pulse/internal/persistence"
)

const (
	agentID      = "chaos"
	crashedCycle = 7
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	ctx := context.Background()

	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "pulse")

	fmt.Println("BUILD pulse binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/pulse")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	addr := pickFreeAddr()
	configYAML := fmt.Sprintf(`bind_addr: %q
scheduler:
  poll_seconds: 1
  reminder_session_id: "ops:chaos"
agents:
  - id: %s
    heartbeat_minutes: 60
    directives: ["check the queue"]
`, addr, agentID)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	daemonEnv := append(os.Environ(), "PULSE_HOME="+home, "PULSE_AUTH_TOKEN=")

	fmt.Println("START daemon (first run)...")
	daemon := startDaemon(binPath, daemonEnv)
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if err := waitHealthy(addr, 10*time.Second); err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY")

	fmt.Println("SIGKILL daemon...")
	if err := daemon.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = daemon.Wait()
	time.Sleep(500 * time.Millisecond)

	// Simulate a kill that landed mid-dispatch and a reminder that came due
	// while the daemon was down.
	dbPath := filepath.Join(home, "pulse.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	st, err := store.GetAgentState(ctx, agentID)
	if err != nil || st == nil {
		store.Close()
		return fmt.Errorf("agent state after first run: %v (state=%v)", err, st)
	}
	st.Status = "running"
	st.Cycle = crashedCycle
	if err := store.PutAgentState(ctx, *st); err != nil {
		store.Close()
		return fmt.Errorf("put agent state: %w", err)
	}
	reminderID, err := store.InsertReminder(ctx, time.Now().Add(-time.Minute), "chaos reminder")
	if err != nil {
		store.Close()
		return fmt.Errorf("insert reminder: %w", err)
	}
	store.Close()
	fmt.Printf("CRASHED agent %s at cycle %d, reminder %d due\n", agentID, crashedCycle, reminderID)

	fmt.Println("RESTART daemon (second run)...")
	daemon2 := startDaemon(binPath, daemonEnv)
	if err := daemon2.Start(); err != nil {
		return fmt.Errorf("restart daemon: %w", err)
	}
	defer func() {
		_ = daemon2.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = daemon2.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = daemon2.Process.Kill()
			_ = daemon2.Wait()
		}
	}()
	if err := waitHealthy(addr, 10*time.Second); err != nil {
		return fmt.Errorf("restarted daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY (after restart)")

	var agents struct {
		Agents []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Cycle  int64  `json:"cycle"`
		} `json:"agents"`
	}
	if err := getJSON(addr, "/agents", &agents); err != nil {
		return err
	}
	if len(agents.Agents) != 1 || agents.Agents[0].Status != "idle" || agents.Agents[0].Cycle != crashedCycle {
		return fmt.Errorf("expected %s idle at cycle %d after restart, got %+v", agentID, crashedCycle, agents.Agents)
	}
	fmt.Printf("RECOVERED agent %s status=idle cycle=%d\n", agentID, crashedCycle)

	// Let several polls pass so a double fire would show up.
	fireKey := fmt.Sprintf("reminder:%d", reminderID)
	count := 0
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var fires struct {
			Fires []struct {
				Key string `json:"key"`
			} `json:"fires"`
		}
		if err := getJSON(addr, "/scheduler/fires", &fires); err != nil {
			return err
		}
		count = 0
		for _, f := range fires.Fires {
			if f.Key == fireKey {
				count++
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	fmt.Printf("REMINDER %s fired %d time(s)\n", fireKey, count)
	if count != 1 {
		return fmt.Errorf("expected reminder %d to fire exactly once, got %d", reminderID, count)
	}

	store2, err := persistence.Open(dbPath)
	if err != nil {
		return fmt.Errorf("reopen store after kill: %w", err)
	}
	defer store2.Close()
	var integrityResult string
	if err := store2.DB().QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&integrityResult); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	fmt.Printf("INTEGRITY_CHECK=%s\n", integrityResult)
	if integrityResult != "ok" {
		return fmt.Errorf("DB integrity check failed: %s", integrityResult)
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

func startDaemon(binPath string, env []string) *exec.Cmd {
	cmd := exec.Command(binPath, "-daemon")
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

func getJSON(addr, path string, out any) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

func pickFreeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pick free addr: %v\n", err)
		os.Exit(1)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitHealthy(addr string, timeout time.Duration) error {
	url := fmt.Sprintf("http://%s/healthz", addr)
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("healthz at %s not OK after %v", addr, timeout)
}
