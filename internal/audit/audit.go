// Package audit keeps an append-only JSONL trail of operator commands and
// automatic escalations (agent auto-disable, global rate-limit pauses).
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/pulse/internal/bus"
	"github.com/basket/pulse/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	Actor     string `json:"actor"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	recordCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Count returns the number of entries recorded since startup.
func Count() int64 {
	return recordCount.Load()
}

// Record appends one entry. Without Init it only bumps the counter.
func Record(action, subject, actor, detail string) {
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	defer recordCount.Add(1)
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Subject:   subject,
		Actor:     actor,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// Follow records escalation events published on the bus until ctx is done.
func Follow(ctx context.Context, b *bus.Bus) {
	disabled := b.Subscribe(bus.TopicAgentDisabled)
	paused := b.Subscribe(bus.TopicRateLimited)
	go func() {
		defer b.Unsubscribe(disabled)
		defer b.Unsubscribe(paused)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-disabled.Ch():
				if !ok {
					return
				}
				if p, ok := ev.Payload.(bus.AgentDisabledEvent); ok {
					Record("agent.auto_disable", p.AgentID, "runtime",
						fmt.Sprintf("consecutive_errors=%d last_error=%s", p.ConsecutiveErrors, p.LastError))
				}
			case ev, ok := <-paused.Ch():
				if !ok {
					return
				}
				if p, ok := ev.Payload.(bus.RateLimitedEvent); ok {
					Record("ratelimit.pause", p.AgentID, "runtime",
						fmt.Sprintf("paused_until=%s from_hint=%t", p.PausedUntil.UTC().Format(time.RFC3339), p.FromHint))
				}
			}
		}
	}()
}
