package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/pulse/internal/agent"
	"github.com/basket/pulse/internal/bus"
	"github.com/basket/pulse/internal/cron"
	"github.com/basket/pulse/internal/dispatch"
	"github.com/basket/pulse/internal/gateway"
	"github.com/basket/pulse/internal/otel"
	"github.com/basket/pulse/internal/persistence"
	"github.com/basket/pulse/internal/ratelimit"
)

const testToken = "test-token-123"

type testEnv struct {
	ts    *httptest.Server
	store *persistence.Store
	rl    *ratelimit.Coordinator
	bus   *bus.Bus
	reg   *agent.Registry
}

func setupGateway(t *testing.T, token string) *testEnv {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "pulse.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	d := dispatch.Func(func(context.Context, string, string, string) (string, error) { return "ok", nil })
	rl := ratelimit.New(ratelimit.Options{})
	b := bus.New()
	reg := agent.NewRegistry(agent.Config{Store: store, Dispatcher: d, RateLimit: rl, Bus: b, StartDelay: time.Hour})
	t.Cleanup(func() { reg.StopAll(context.Background()) })

	ctx := context.Background()
	if err := reg.Register(ctx, agent.Definition{
		ID: "scout", Name: "Scout", Heartbeat: 30 * time.Minute, Enabled: true,
		SessionID: "agent:scout", Builder: agent.Rotation("check the inbox"),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	sched, err := cron.NewScheduler(cron.Config{
		Store: store, Dispatcher: d, Location: time.UTC, Bus: b,
		ReminderSessionID: "telegram:1",
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	srv := gateway.New(gateway.Config{
		Store:             store,
		Registry:          reg,
		Scheduler:         sched,
		RateLimit:         rl,
		Bus:               b,
		AuthToken:         token,
		ConfigFingerprint: "cfg-test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: store, rl: rl, bus: b, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, raw)
		}
	}
	return resp, out
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	env := setupGateway(t, testToken)
	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["healthy"] != true || body["agent_count"] != float64(1) || body["config_hash"] != "cfg-test" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAuth(t *testing.T) {
	env := setupGateway(t, testToken)
	resp, err := http.Get(env.ts.URL + "/agents")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/agents", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, "/agents", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
}

func TestAuth_OpenWithoutToken(t *testing.T) {
	env := setupGateway(t, "")
	resp, err := http.Get(env.ts.URL + "/agents")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected open API without a token, got %d", resp.StatusCode)
	}
}

func TestAgents_ListAndControl(t *testing.T) {
	env := setupGateway(t, testToken)

	resp, body := env.do(t, http.MethodGet, "/agents", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	agents := body["agents"].([]any)
	if len(agents) != 1 || agents[0].(map[string]any)["id"] != "scout" {
		t.Fatalf("unexpected agents %v", agents)
	}

	resp, body = env.do(t, http.MethodPost, "/agents/scout/disable", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d (%v)", resp.StatusCode, body)
	}
	snap := body["agent"].(map[string]any)
	if snap["status"] != "stopped" || snap["enabled"] != false {
		t.Fatalf("unexpected snapshot after disable %v", snap)
	}

	resp, _ = env.do(t, http.MethodPost, "/agents/scout/restart", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("restart of a disabled agent should conflict, got %d", resp.StatusCode)
	}

	env.do(t, http.MethodPost, "/agents/scout/enable", "")
	resp, body = env.do(t, http.MethodPost, "/agents/scout/restart", "")
	if resp.StatusCode != http.StatusOK || body["agent"].(map[string]any)["status"] != "idle" {
		t.Fatalf("restart: %d %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodPost, "/agents/ghost/disable", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent should 404, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/agents/scout/explode", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown action should 404, got %d", resp.StatusCode)
	}
}

func TestAgents_Runs(t *testing.T) {
	env := setupGateway(t, testToken)
	rt, err := env.reg.Get("scout")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rt.Tick(context.Background())

	resp, body := env.do(t, http.MethodGet, "/agents/scout/runs?limit=5", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	runs := body["runs"].([]any)
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %v", runs)
	}
	resp, _ = env.do(t, http.MethodGet, "/agents/ghost/runs", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestReminders_Lifecycle(t *testing.T) {
	env := setupGateway(t, testToken)

	resp, body := env.do(t, http.MethodPost, "/reminders", `{"when":"+2h","message":"water the plants"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d (%v)", resp.StatusCode, body)
	}
	id := int64(body["id"].(float64))

	_, body = env.do(t, http.MethodGet, "/reminders", "")
	list := body["reminders"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected one pending reminder, got %v", list)
	}

	path := "/reminders/" + jsonNumber(id)
	resp, _ = env.do(t, http.MethodDelete, path, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, path, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second cancel should 404, got %d", resp.StatusCode)
	}
}

func TestReminders_BadInput(t *testing.T) {
	env := setupGateway(t, testToken)
	tests := []struct {
		name, body string
	}{
		{"not json", `{`},
		{"bad time", `{"when":"someday","message":"x"}`},
		{"empty message", `{"when":"+1h","message":"  "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.do(t, http.MethodPost, "/reminders", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
	resp, _ := env.do(t, http.MethodDelete, "/reminders/abc", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", resp.StatusCode)
	}
}

func TestFires(t *testing.T) {
	env := setupGateway(t, testToken)
	ctx := context.Background()
	if err := env.store.AppendFireRecord(ctx, persistence.FireRecord{
		Key: "morning", Kind: persistence.FireKindEvent, Outcome: persistence.FireOutcomeDispatched,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, body := env.do(t, http.MethodGet, "/scheduler/fires", "")
	fires := body["fires"].([]any)
	if len(fires) != 1 || fires[0].(map[string]any)["key"] != "morning" {
		t.Fatalf("unexpected fires %v", fires)
	}
}

func TestRateLimit_ShowAndClear(t *testing.T) {
	env := setupGateway(t, testToken)

	_, body := env.do(t, http.MethodGet, "/ratelimit", "")
	if body["paused"] != false {
		t.Fatalf("expected not paused, got %v", body)
	}
	env.rl.PauseFor(time.Hour)
	_, body = env.do(t, http.MethodGet, "/ratelimit", "")
	if body["paused"] != true || body["paused_until"] == nil {
		t.Fatalf("expected paused, got %v", body)
	}
	resp, _ := env.do(t, http.MethodDelete, "/ratelimit", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("clear status = %d", resp.StatusCode)
	}
	if env.rl.IsPaused() {
		t.Fatal("pause not cleared")
	}
}

func TestEvents_StreamsBusTraffic(t *testing.T) {
	env := setupGateway(t, testToken)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/events?topic=scheduler.", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	env.bus.Publish(bus.TopicAgentStatus, bus.AgentStatusEvent{AgentID: "ignored"})
	env.bus.Publish(bus.TopicSchedulerFire, bus.SchedulerFireEvent{Key: "morning", Kind: "event", Outcome: "dispatched"})

	lines := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	deadline := time.After(3 * time.Second)
	var sawID, sawEvent bool
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed early")
			}
			if strings.HasPrefix(line, "id: ") {
				sawID = true
				continue
			}
			if line == "event: "+bus.TopicSchedulerFire {
				if !sawID {
					t.Fatal("event frame without id")
				}
				sawEvent = true
				continue
			}
			if strings.HasPrefix(line, "data: ") {
				if !sawEvent {
					t.Fatalf("data before event line: %q", line)
				}
				if !strings.Contains(line, `"key":"morning"`) {
					t.Fatalf("unexpected data %q", line)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for streamed event")
		}
	}
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestMetrics_DisabledIs404(t *testing.T) {
	env := setupGateway(t, "")
	resp, _ := env.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMetrics_ServesSnapshot(t *testing.T) {
	ctx := context.Background()
	p, err := otel.Init(ctx, otel.Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("otel init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(ctx) })
	m, err := otel.NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	m.RecordTick(ctx, "scout", "success")
	m.RecordTick(ctx, "scout", "success")

	ts := httptest.NewServer(gateway.New(gateway.Config{Metrics: p}).Handler())
	t.Cleanup(ts.Close)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Metrics []otel.MetricPoint `json:"metrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, pt := range body.Metrics {
		if pt.Name == "pulse.agent.ticks" && pt.Attributes["pulse.agent.id"] == "scout" {
			if pt.Value != 2 {
				t.Fatalf("ticks = %v, want 2", pt.Value)
			}
			return
		}
	}
	t.Fatalf("pulse.agent.ticks missing from %+v", body.Metrics)
}
