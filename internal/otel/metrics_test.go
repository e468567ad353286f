package otel

import (
	"context"
	"testing"
	"time"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.AgentTicks == nil {
		t.Error("AgentTicks is nil")
	}
	if m.DispatchDuration == nil {
		t.Error("DispatchDuration is nil")
	}
	if m.AgentDisabled == nil {
		t.Error("AgentDisabled is nil")
	}
	if m.SchedulerFires == nil {
		t.Error("SchedulerFires is nil")
	}
	if m.RateLimitPauses == nil {
		t.Error("RateLimitPauses is nil")
	}
}

func TestMetrics_RecordingDoesNotPanic(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordTick(ctx, "scout", "success")
	m.RecordDispatch(ctx, "scout", "success", 250*time.Millisecond)
	m.RecordDisabled(ctx, "scout")
	m.RecordFire(ctx, "event", "dispatched")
	m.RecordPause(ctx, true)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordTick(ctx, "scout", "paused")
	m.RecordDispatch(ctx, "scout", "error", time.Second)
	m.RecordDisabled(ctx, "scout")
	m.RecordFire(ctx, "reminder", "dispatched")
	m.RecordPause(ctx, false)
}
