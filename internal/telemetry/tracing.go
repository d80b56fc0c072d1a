// Package telemetry wires OpenTelemetry tracing for webfarm.
package telemetry

import (
	"context"
	"fmt"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used by webfarm's own spans.
const InstrumentationName = "github.com/JakeFAU/webfarm"

// Options configures the tracer provider.
type Options struct {
	ServiceName string
	Version     string
	// ProjectID enables export to Google Cloud Trace.
	ProjectID string
	// SampleRatio is the fraction of root spans sampled; 0 means 1.
	SampleRatio float64
	// Exporter overrides the Cloud Trace exporter. Mostly for tests.
	Exporter sdktrace.SpanExporter
}

// Init installs a global tracer provider and the W3C trace-context and
// baggage propagators. Callers must Shutdown the provider to flush spans.
func Init(ctx context.Context, opts Options) (*sdktrace.TracerProvider, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "webfarm"
	}
	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(opts.ServiceName)),
	}
	if opts.Version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(opts.Version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter := opts.Exporter
	if exporter == nil && opts.ProjectID != "" {
		exporter, err = texporter.New(texporter.WithProjectID(opts.ProjectID))
		if err != nil {
			return nil, fmt.Errorf("create cloud trace exporter: %w", err)
		}
	}

	ratio := opts.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}
	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	if exporter != nil {
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	return tp, nil
}

// Tracer returns webfarm's tracer from the global provider. It is a no-op
// until Init runs.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
