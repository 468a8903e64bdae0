// Package observer provides OTEL-based observability for the evolve
// runtime. It wires trace, metric and log providers with OTLP HTTP
// exporters and exposes instruments for agent runs, swarm units and cost
// accounting. Users export to any OTEL-compatible backend by setting
// standard OTEL env vars.
package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/evolve"
)

const scopeName = "github.com/nevindra/evolve/observer"

// Instruments holds all OTEL instruments used by the runtime wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	Runs       metric.Int64Counter
	Commands   metric.Int64Counter
	Units      metric.Int64Counter
	TokenUsage metric.Int64Counter
	CostTotal  metric.Float64Counter

	// Histograms
	RunDuration  metric.Float64Histogram
	UnitDuration metric.Float64Histogram

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("evolve")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

// newInstruments creates the instrument set from the global providers.
func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	meter := otel.Meter(scopeName)

	runs, err := meter.Int64Counter("evolve.runs",
		metric.WithDescription("Agent run count"))
	if err != nil {
		return nil, err
	}
	commands, err := meter.Int64Counter("evolve.commands",
		metric.WithDescription("Shell command count"))
	if err != nil {
		return nil, err
	}
	units, err := meter.Int64Counter("evolve.swarm.units",
		metric.WithDescription("Scheduled swarm unit count"))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("evolve.tokens",
		metric.WithDescription("Token usage"), metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	cost, err := meter.Float64Counter("evolve.cost",
		metric.WithDescription("Estimated cost"), metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}
	runDuration, err := meter.Float64Histogram("evolve.run.duration",
		metric.WithDescription("Agent run duration"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	unitDuration, err := meter.Float64Histogram("evolve.swarm.unit.duration",
		metric.WithDescription("Swarm unit duration"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:       otel.Tracer(scopeName),
		Meter:        meter,
		Logger:       global.Logger(scopeName),
		Runs:         runs,
		Commands:     commands,
		Units:        units,
		TokenUsage:   tokens,
		CostTotal:    cost,
		RunDuration:  runDuration,
		UnitDuration: unitDuration,
		Cost:         NewCostCalculator(pricing),
	}, nil
}

// RecordRun records one completed agent run with its token usage.
func (i *Instruments) RecordRun(ctx context.Context, tag, agent, model string, duration time.Duration, exitCode, inputTokens, outputTokens int) {
	attrs := metric.WithAttributes(
		attribute.String("session_tag", tag),
		attribute.String("agent", agent),
		attribute.String("model", model),
		attribute.Bool("success", exitCode == 0),
	)
	i.Runs.Add(ctx, 1, attrs)
	i.RunDuration.Record(ctx, duration.Seconds(), attrs)
	if inputTokens > 0 || outputTokens > 0 {
		i.TokenUsage.Add(ctx, int64(inputTokens),
			metric.WithAttributes(attribute.String("model", model), attribute.String("direction", "input")))
		i.TokenUsage.Add(ctx, int64(outputTokens),
			metric.WithAttributes(attribute.String("model", model), attribute.String("direction", "output")))
		i.CostTotal.Add(ctx, i.Cost.Calculate(model, inputTokens, outputTokens),
			metric.WithAttributes(attribute.String("model", model)))
	}
}

// RecordUnit records one completed swarm unit from its result metadata.
func (i *Instruments) RecordUnit(ctx context.Context, meta evolve.BaseMeta, status evolve.SwarmStatus, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("operation", string(meta.Operation)),
		attribute.String("role", string(meta.Role)),
		attribute.String("status", string(status)),
		attribute.String("swarm", meta.SwarmName),
	)
	i.Units.Add(ctx, 1, attrs)
	i.UnitDuration.Record(ctx, duration.Seconds(), attrs)
}

// StartUnitSpan opens a span for one swarm unit with its metadata attached.
func (i *Instruments) StartUnitSpan(ctx context.Context, meta evolve.BaseMeta) (context.Context, trace.Span) {
	return i.Tracer.Start(ctx, "evolve.unit", trace.WithAttributes(
		attribute.String("operation_id", meta.OperationID),
		attribute.String("operation", string(meta.Operation)),
		attribute.String("role", string(meta.Role)),
		attribute.Int("item_index", meta.ItemIndex),
		attribute.String("pipeline_run_id", meta.PipelineRunID),
		attribute.Int("pipeline_step_index", meta.PipelineStepIndex),
	))
}
