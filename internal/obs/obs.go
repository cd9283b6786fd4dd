// Package obs wires OpenTelemetry tracing and metrics into the engine's
// top-level operations (ingest, checkpoint execution, retrieval search):
// package-level tracer/meter handles bound to the global delegating
// provider, so every span and counter is a no-op until a host process calls
// Init (or configures the global provider itself).
package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName identifies this engine's spans/metrics in any
// downstream collector.
const instrumentationName = "github.com/franalgaba/alexandria-sub000"

// Tracer is the engine-wide tracer. Bound to the global provider, it is a
// no-op until Init runs or the embedding process sets its own provider via
// otel.SetTracerProvider.
var Tracer = otel.Tracer(instrumentationName)

// tracer is an internal alias kept for readability in this file's span helpers.
var tracer trace.Tracer = Tracer

// meter is the engine-wide meter, same delegation story as Tracer.
var meter = otel.Meter(instrumentationName)

// Metrics holds every counter/histogram instrument the engine emits,
// registered once against the global meter at package init.
var Metrics struct {
	EpisodesCurated     metric.Int64Counter
	CandidatesExtracted metric.Int64Counter
	MemoriesCreated     metric.Int64Counter
	ConflictsDetected   metric.Int64Counter
	SearchLatencyMs     metric.Float64Histogram
	IngestLatencyMs     metric.Float64Histogram
}

func init() {
	Metrics.EpisodesCurated, _ = meter.Int64Counter("alexandria.checkpoint.episodes_curated",
		metric.WithDescription("Episodes run through the curate-apply-reset loop"),
		metric.WithUnit("{episode}"),
	)
	Metrics.CandidatesExtracted, _ = meter.Int64Counter("alexandria.checkpoint.candidates_extracted",
		metric.WithDescription("Memory candidates produced by tier-0/tier-1 curators"),
		metric.WithUnit("{candidate}"),
	)
	Metrics.MemoriesCreated, _ = meter.Int64Counter("alexandria.memstore.memories_created",
		metric.WithDescription("Memory objects created, including replace/merge/keep-both resolutions"),
		metric.WithUnit("{memory}"),
	)
	Metrics.ConflictsDetected, _ = meter.Int64Counter("alexandria.conflict.conflicts_detected",
		metric.WithDescription("Tier-2 conflicts detected between a candidate and existing memories"),
		metric.WithUnit("{conflict}"),
	)
	Metrics.SearchLatencyMs, _ = meter.Float64Histogram("alexandria.retriever.search.duration",
		metric.WithDescription("Hybrid search wall-clock latency"),
		metric.WithUnit("ms"),
	)
	Metrics.IngestLatencyMs, _ = meter.Float64Histogram("alexandria.ingest.duration",
		metric.WithDescription("End-to-end ingest (normalize+append+index+checkpoint) latency"),
		metric.WithUnit("ms"),
	)
}

// StartSpan opens a span named "alexandria.<op>" with the given attributes.
func StartSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "alexandria."+op, trace.WithAttributes(attrs...))
}

// Init wires the global tracer/meter providers to an in-process SDK
// pipeline (resource-tagged, no exporter attached by default) so a host
// process gets real span/metric generation without forcing a specific
// collector dependency; the caller is expected to attach its own exporter
// via sdktrace.WithBatcher/sdkmetric.WithReader before calling Init if it
// wants spans to leave the process. Returns a shutdown func to flush and
// release the providers.
func Init(ctx context.Context, serviceName string, extraTraceOpts []sdktrace.TracerProviderOption, extraMeterOpts []sdkmetric.Option) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	tpOpts := append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, extraTraceOpts...)
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	mpOpts := append([]sdkmetric.Option{sdkmetric.WithResource(res)}, extraMeterOpts...)
	mp := sdkmetric.NewMeterProvider(mpOpts...)
	otel.SetMeterProvider(mp)

	return func(shutdownCtx context.Context) error {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return mp.Shutdown(shutdownCtx)
	}, nil
}
