package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/pulse/internal/shared"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("agent tick", "agent_id", "scout", "cycle", 7)

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "pulse" {
		t.Fatalf("expected component=pulse, got %#v", entry["component"])
	}
	if entry["agent_id"] != "scout" {
		t.Fatalf("expected agent_id propagation, got %#v", entry["agent_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dispatcher configured",
		"telegram_token", "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1",
		"auth_header", "Authorization: Bearer super-secret-token",
	)

	entry := readLastEntry(t, home)
	if entry["telegram_token"] != "[REDACTED]" {
		t.Fatalf("expected telegram_token redaction, got %#v", entry["telegram_token"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
}

func TestNewHandler_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "warn"))
	logger.Info("dropped")
	logger.Warn("kept")
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn line missing: %s", out)
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	buf.Reset()
	return entry
}

func TestNewHandler_StampsContextIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "info"))

	ctx := shared.WithRunID(shared.WithAgentID(context.Background(), "scout"), "run-1")
	ctx = shared.WithEventKey(ctx, "reminder:4")
	logger.InfoContext(ctx, "heartbeat dispatched")

	entry := decodeLine(t, &buf)
	if entry["agent_id"] != "scout" || entry["run_id"] != "run-1" || entry["event_key"] != "reminder:4" {
		t.Fatalf("context identifiers missing: %#v", entry)
	}

	logger.Info("no context values")
	entry = decodeLine(t, &buf)
	for _, key := range []string{"agent_id", "run_id", "event_key"} {
		if _, ok := entry[key]; ok {
			t.Fatalf("unexpected %s on plain record: %#v", key, entry)
		}
	}
}

func TestNewHandler_BoundKeysWin(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "info")).With("agent_id", "bound")

	ctx := shared.WithAgentID(context.Background(), "from-ctx")
	logger.InfoContext(ctx, "tick")

	raw := buf.String()
	if strings.Count(raw, `"agent_id"`) != 1 {
		t.Fatalf("agent_id emitted more than once: %s", raw)
	}
	if entry := decodeLine(t, &buf); entry["agent_id"] != "bound" {
		t.Fatalf("agent_id = %#v, want bound", entry["agent_id"])
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	} {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRotateIfLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.jsonl")
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 64), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := rotateIfLarge(path, 128); err != nil {
		t.Fatalf("small file: %v", err)
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Fatal("small file should not rotate")
	}
	if err := rotateIfLarge(path, 32); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("current log should have moved")
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("rotated file missing: %v", err)
	}
}
