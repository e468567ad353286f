package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the heartbeat and scheduler instruments. A nil *Metrics is
// valid; every recording method becomes a no-op.
type Metrics struct {
	AgentTicks       metric.Int64Counter
	DispatchDuration metric.Float64Histogram
	AgentDisabled    metric.Int64Counter
	SchedulerFires   metric.Int64Counter
	RateLimitPauses  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AgentTicks, err = meter.Int64Counter("pulse.agent.ticks",
		metric.WithDescription("Agent timer fires by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("pulse.agent.dispatch.duration",
		metric.WithDescription("Agent directive dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentDisabled, err = meter.Int64Counter("pulse.agent.disabled",
		metric.WithDescription("Agents stopped after consecutive failures"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerFires, err = meter.Int64Counter("pulse.scheduler.fires",
		metric.WithDescription("Scheduled event and reminder fires by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitPauses, err = meter.Int64Counter("pulse.ratelimit.pauses",
		metric.WithDescription("Global pauses triggered by rate-limited results"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordTick(ctx context.Context, agentID, outcome string) {
	if m == nil {
		return
	}
	m.AgentTicks.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(agentID), AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordDispatch(ctx context.Context, agentID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrAgentID.String(agentID), AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordDisabled(ctx context.Context, agentID string) {
	if m == nil {
		return
	}
	m.AgentDisabled.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(agentID)))
}

func (m *Metrics) RecordFire(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.SchedulerFires.Add(ctx, 1, metric.WithAttributes(attribute.String("pulse.fire.kind", kind), AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordPause(ctx context.Context, fromHint bool) {
	if m == nil {
		return
	}
	m.RateLimitPauses.Add(ctx, 1, metric.WithAttributes(attribute.Bool("pulse.ratelimit.hint", fromHint)))
}
