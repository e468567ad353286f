package otel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInit_DisabledHandsOutNoops(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil || p.MeterProvider == nil {
		t.Fatalf("disabled provider missing noop handles: %+v", p)
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an SDK tracer provider")
	}
	if _, err := p.Snapshot(ctx); !errors.Is(err, ErrMetricsDisabled) {
		t.Fatalf("Snapshot err = %v, want ErrMetricsDisabled", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	var nilProvider *Provider
	if err := nilProvider.Shutdown(ctx); err != nil {
		t.Fatalf("nil Shutdown: %v", err)
	}
}

func TestInit_ExporterSelection(t *testing.T) {
	ctx := context.Background()
	for _, exporter := range []string{"none", "NONE", "stdout"} {
		p, err := Init(ctx, Config{Enabled: true, Exporter: exporter, ServiceName: "pulse-test"})
		if err != nil {
			t.Fatalf("Init(%q): %v", exporter, err)
		}
		if p.TracerProvider == nil {
			t.Fatalf("Init(%q): expected SDK tracer provider", exporter)
		}
		_ = p.Shutdown(ctx)
	}

	if _, err := Init(ctx, Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_MetricsOptOut(t *testing.T) {
	ctx := context.Background()
	off := false
	p, err := Init(ctx, Config{Enabled: true, Exporter: "none", MetricsEnabled: &off})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(ctx)
	if _, err := p.Snapshot(ctx); !errors.Is(err, ErrMetricsDisabled) {
		t.Fatalf("Snapshot err = %v, want ErrMetricsDisabled", err)
	}
}

func TestSnapshot_FlattensInstruments(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(ctx)

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordFire(ctx, "reminder", "dispatched")
	m.RecordDispatch(ctx, "scout", "success", 1500*time.Millisecond)
	m.RecordDispatch(ctx, "scout", "success", 500*time.Millisecond)

	points, err := p.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	byName := map[string]MetricPoint{}
	for _, pt := range points {
		byName[pt.Name] = pt
	}

	fires, ok := byName["pulse.scheduler.fires"]
	if !ok || fires.Value != 1 {
		t.Fatalf("fires point = %+v (present=%v)", fires, ok)
	}
	dur, ok := byName["pulse.agent.dispatch.duration"]
	if !ok {
		t.Fatalf("dispatch histogram missing from %+v", points)
	}
	if dur.Count != 2 || dur.Value != 2 {
		t.Fatalf("histogram count=%d sum=%v, want 2 and 2s", dur.Count, dur.Value)
	}
	if dur.Attributes["pulse.agent.id"] != "scout" {
		t.Fatalf("histogram attributes = %v", dur.Attributes)
	}
}

func TestSampleRatio(t *testing.T) {
	for in, want := range map[float64]float64{0: 1, -2: 1, 0.25: 0.25, 1: 1, 3: 1} {
		if got := (Config{SampleRate: in}).sampleRatio(); got != want {
			t.Errorf("sampleRatio(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		in         string
		hostport   string
		wantSecure bool
	}{
		{"", defaultEndpoint, false},
		{"collector:4318", "collector:4318", false},
		{"http://collector:4318/v1/traces", "collector:4318", false},
		{"https://otel.example.com", "otel.example.com", true},
	}
	for _, tt := range tests {
		hp, secure := splitEndpoint(tt.in)
		if hp != tt.hostport || secure != tt.wantSecure {
			t.Errorf("splitEndpoint(%q) = %q, %v; want %q, %v", tt.in, hp, secure, tt.hostport, tt.wantSecure)
		}
	}
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(ctx)

	_, fire := StartSpan(ctx, p.Tracer, "scheduler.fire", AttrEventKey.String("morning_brief"))
	if !fire.SpanContext().IsValid() {
		t.Fatal("sampled span should carry a valid context")
	}
	fire.End()

	_, dispatch := StartClientSpan(ctx, p.Tracer, "agent.dispatch", AttrAgentID.String("scout"), AttrCycle.Int64(3))
	dispatch.End()

	_, noop := NoopTracer().Start(ctx, "noop")
	if noop.SpanContext().IsValid() {
		t.Fatal("noop tracer should not produce valid span contexts")
	}
	noop.End()
}
