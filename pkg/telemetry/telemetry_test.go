package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestFromContextFallsBackToDummy(t *testing.T) {
	tracer := FromContext(context.Background())
	_, ok := tracer.(*DummyTracer)
	assert.True(t, ok)

	var nilFactory *TracerFactory
	_, ok = nilFactory.NewTracer(context.Background(), "root").(*DummyTracer)
	assert.True(t, ok)
}

func TestSpanAttributesMergeKeepsExisting(t *testing.T) {
	a := EmptySpanAttributes().WithTarget("fuzz_a").WithExtraAttribute("k", 1)
	b := EmptySpanAttributes().WithTarget("fuzz_b").WithProject("curl").WithExtraAttribute("k", 2)
	a.Merge(b)

	attrs := a.Attributes()
	assert.Contains(t, attrs, attribute.String("cifuzz.project", "curl"))
	assert.Contains(t, attrs, attribute.String("cifuzz.target", "fuzz_a"))
	assert.Contains(t, attrs, attribute.Int("k", 1))
}

func TestTelemetryTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	root := NewTelemetryTracer(context.Background(), provider.Tracer("test"), "run")
	root.WithAttributes(EmptySpanAttributes().WithProject("curl"))
	root.Start()
	ctx := WithTracer(context.Background(), root)

	_, child := StartSpan(ctx, "fuzz target", EmptySpanAttributes().WithTarget("fuzz_a"))
	child.End()
	root.End()

	spans := recorder.Ended()
	if assert.Len(t, spans, 2) {
		assert.Equal(t, "fuzz target", spans[0].Name())
		assert.Contains(t, spans[0].Attributes(), attribute.String("cifuzz.project", "curl"))
		assert.Contains(t, spans[0].Attributes(), attribute.String("cifuzz.target", "fuzz_a"))
	}
}
