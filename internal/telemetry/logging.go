// Package telemetry builds the process logger: JSON lines to
// <home>/logs/system.jsonl, mirrored to stdout unless quiet, with secrets
// scrubbed before they reach disk. Records logged with a context also pick
// up the agent, run and scheduled event identifiers carried on it.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/pulse/internal/shared"
)

// maxLogBytes is the size past which system.jsonl is rotated on open. One
// previous generation is kept as system.jsonl.1.
const maxLogBytes = 32 << 20

func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	if err := rotateIfLarge(logFilePath, maxLogBytes); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	logger := slog.New(NewHandler(w, level)).With("component", "pulse")
	return logger, file, nil
}

func rotateIfLarge(path string, limit int64) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() < limit {
		return nil
	}
	return os.Rename(path, path+".1")
}

// NewHandler returns the JSON handler used by NewLogger. Exposed so the CLI
// can log to stderr with the same schema and redaction rules.
func NewHandler(w io.Writer, level string) slog.Handler {
	return &contextHandler{inner: slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrubAttr,
	})}
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.SecretKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// contextHandler copies agent_id, run_id and event_key from the record's
// context unless the logger or the call already set that key.
type contextHandler struct {
	inner slog.Handler
	bound map[string]bool
}

func (h *contextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *contextHandler) Handle(ctx context.Context, rec slog.Record) error {
	if ctx == nil {
		return h.inner.Handle(ctx, rec)
	}
	present := make(map[string]bool, len(h.bound)+rec.NumAttrs())
	for k := range h.bound {
		present[k] = true
	}
	rec.Attrs(func(a slog.Attr) bool {
		present[a.Key] = true
		return true
	})
	add := func(key, val, unset string) {
		if val != unset && !present[key] {
			rec.AddAttrs(slog.String(key, val))
		}
	}
	add("agent_id", shared.AgentID(ctx), "")
	add("run_id", shared.RunID(ctx), "-")
	add("event_key", shared.EventKey(ctx), "")
	return h.inner.Handle(ctx, rec)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make(map[string]bool, len(h.bound)+len(attrs))
	for k := range h.bound {
		bound[k] = true
	}
	for _, a := range attrs {
		bound[a.Key] = true
	}
	return &contextHandler{inner: h.inner.WithAttrs(attrs), bound: bound}
}

// WithGroup nests subsequent attrs, so keys bound before the group no longer
// collide with the top-level context keys.
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name)}
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") || strings.Contains(lower, "api_key") {
		return "[REDACTED]", true
	}
	if redacted := shared.Redact(v); redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	default:
		if err := l.UnmarshalText([]byte(s)); err != nil {
			return slog.LevelInfo
		}
		return l
	}
}
