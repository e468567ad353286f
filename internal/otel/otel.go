// Package otel wires OpenTelemetry into pulse. Spans go to the configured
// exporter; metrics are held in-process by a manual reader and served as a
// snapshot on the operator API. Disabled telemetry hands out no-op
// providers so callers never branch on it.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName and MeterName are the instrumentation scope for pulse.
	TracerName = "pulse"
	MeterName  = "pulse"

	defaultEndpoint = "localhost:4318"
)

// Version is reported as service.version. cmd/pulse overwrites it at startup.
var Version = "dev"

// ErrMetricsDisabled is returned by Snapshot when no reader is attached.
var ErrMetricsDisabled = errors.New("metrics disabled")

// Config is the telemetry block of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http (default), stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricsEnabled keeps in-process metrics for GET /metrics. Defaults to
	// true when telemetry is enabled.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

func (c Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// sampleRatio clamps the configured rate into (0, 1]; unset means sample all.
func (c Config) sampleRatio() float64 {
	switch {
	case c.SampleRate <= 0, c.SampleRate > 1:
		return 1
	default:
		return c.SampleRate
	}
}

// Provider carries the tracer and meter handed to the agent runtimes and the
// scheduler, plus whatever needs flushing on exit.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	reader   *sdkmetric.ManualReader
	shutdown func(context.Context) error
}

// Init builds the providers for cfg. The returned Provider must be Shut down.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        NoopTracer(),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "pulse"
	}
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.sampleRatio()))),
	)
	otel.SetTracerProvider(tp)

	p := &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(TracerName),
	}
	if !cfg.metricsOn() {
		mp := noop.NewMeterProvider()
		p.MeterProvider, p.Meter = mp, mp.Meter(MeterName)
		p.shutdown = tp.Shutdown
		return p, nil
	}

	p.reader = sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(p.reader))
	p.MeterProvider, p.Meter = mp, mp.Meter(MeterName)
	p.shutdown = func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return p, nil
}

// Shutdown flushes pending spans and releases the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", "otlp-http":
		endpoint, secure := splitEndpoint(cfg.Endpoint)
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if !secure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q (want otlp-http, stdout or none)", cfg.Exporter)
	}
}

// splitEndpoint accepts host:port or a URL. Only an https:// scheme turns TLS
// on; the exporter wants the bare host:port either way.
func splitEndpoint(raw string) (hostport string, secure bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return defaultEndpoint, false
	case strings.HasPrefix(raw, "https://"):
		raw, secure = strings.TrimPrefix(raw, "https://"), true
	case strings.HasPrefix(raw, "http://"):
		raw = strings.TrimPrefix(raw, "http://")
	}
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}
	return raw, secure
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
