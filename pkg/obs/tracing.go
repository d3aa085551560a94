// Package obs provides OpenTelemetry span helpers, following the start/end
// span-helper idiom used elsewhere in the pack rather than hand-rolled
// timing and log lines. The Orchestrator Cycle wraps each run in a
// StartCycleSpan span; the Scheduler does not call StartDriverSpan.
package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agentmesh/orchestrator"

// NewTracerProvider returns an SDK tracer provider with no exporter
// attached; callers wire a real exporter (OTLP, stdout, etc.) in main.
func NewTracerProvider(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(opts...)
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartCycleSpan starts a span around one Orchestrator Cycle invocation.
func StartCycleSpan(ctx context.Context, agentID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "orchestrator.cycle")
	span.SetAttributes(attribute.String("agent.id", agentID))
	return ctx, span
}

// StartDriverSpan starts a span around one Scheduler driver tick.
func StartDriverSpan(ctx context.Context, driver string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "scheduler.driver")
	span.SetAttributes(attribute.String("driver.name", driver))
	return ctx, span
}

// EndSpan records err (if any) and closes span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
