package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitExportsSpansAndInstallsPropagator(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()

	tp, err := Init(ctx, Options{ServiceName: "webfarm-test", Version: "dev", Exporter: exporter})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := Tracer().Start(ctx, "batch")
	span.End()
	require.NoError(t, tp.ForceFlush(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "batch", spans[0].Name)
	require.Equal(t, InstrumentationName, spans[0].InstrumentationScope.Name)

	carrier := propagation.MapCarrier{}
	ctx, parent := Tracer().Start(ctx, "parent")
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	parent.End()
	require.NotEmpty(t, carrier.Get("traceparent"))
}
