package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
)

func TestTracing(t *testing.T) {
	options := []TracerOption{
		WithAttributes(
			semconv.ServiceNameKey.String("servicename"),
			semconv.ServiceVersionKey.String("0.0.0"),
		),
		WithSamplingRatio(1),
	}

	tp := MustNewTracerProvider(options...)

	spanRecorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(spanRecorder)

	_, span := tp.Tracer("").Start(context.Background(), "test")
	span.End()

	spans := spanRecorder.Ended()
	require.Equal(t, 1, len(spans))
	require.Equal(t, "test", spans[0].Name())

	require.NoError(t, tp.Close(context.Background()))
}

func TestTraceError(t *testing.T) {
	tp := MustNewTracerProvider(WithSamplingRatio(1))
	t.Cleanup(func() {
		_ = tp.Close(context.Background())
	})

	spanRecorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(spanRecorder)

	_, span := tp.Tracer("").Start(context.Background(), "failing")
	TraceError(span, errors.New("boom"))
	span.End()

	spans := spanRecorder.Ended()
	require.Equal(t, 1, len(spans))
	require.Len(t, spans[0].Events(), 1)
	require.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestNoopProvider(t *testing.T) {
	tp := Noop()

	_, span := tp.Tracer("").Start(context.Background(), "ignored")
	span.End()

	require.False(t, span.SpanContext().IsValid())
	require.NoError(t, tp.Close(context.Background()))
}
