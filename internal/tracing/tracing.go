// Package tracing provides opt-in OpenTelemetry tracing for the simulator.
//
// When enabled via TSSIM_OTEL_ENABLED=true, it sets up an OTLP HTTP exporter,
// a TracerProvider, and W3C TraceContext + Baggage propagation. When disabled,
// spans are recorded by the global no-op provider.
package tracing

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/jordanhubbard/tssim"

// Config holds the OTel tracing configuration.
type Config struct {
	Enabled     bool
	Endpoint    string  // OTLP HTTP endpoint, e.g. "localhost:4318"
	ServiceName string  // resource service name, e.g. "tssim"
	SampleRatio float64 // fraction of root spans kept; <= 0 or >= 1 keeps all
}

// Setup initialises the OpenTelemetry TracerProvider with an OTLP HTTP exporter.
//
// The returned shutdown function flushes pending spans and must be called on
// server close. When cfg.Enabled is false, Setup returns a no-op shutdown.
func Setup(cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Middleware instruments incoming requests, naming spans by method and path.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "tssim.request",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
}

// StartBatch opens the span covering one batch.
func StartBatch(ctx context.Context, batchID string, users, reps int, thetaA, thetaB float64) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, "experiment.batch",
		trace.WithAttributes(
			attribute.String("tssim.batch_id", batchID),
			attribute.Int("tssim.users", users),
			attribute.Int("tssim.reps", reps),
			attribute.Float64("tssim.theta_a", thetaA),
			attribute.Float64("tssim.theta_b", thetaB),
		))
}

// RecordRun emits the span of one universe after it finished. Universes may
// run on worker goroutines, so the span is reconstructed from timestamps.
func RecordRun(ctx context.Context, universe, users int, start, end time.Time, err error) {
	_, span := otel.Tracer(instrumentation).Start(ctx, "experiment.run",
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.Int("tssim.universe", universe),
			attribute.Int("tssim.users", users),
		))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End(trace.WithTimestamp(end))
}

// End records err (if any) on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
