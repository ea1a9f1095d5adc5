package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartRegionRun starts the span covering one region run. It uses the
// global tracer provider, so it is a no-op until a Provider is installed.
func StartRegionRun(ctx context.Context, runID, region string, dryRun bool) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "region_run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("region", region),
			attribute.Bool("dry_run", dryRun),
		),
	)
}

// StartPhase starts a child span for one step of a run.
func StartPhase(ctx context.Context, phase string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, phase, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
