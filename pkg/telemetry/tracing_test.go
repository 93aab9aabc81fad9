package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracing(t *testing.T) {
	tp := MustNewTracerProvider(WithServiceName("jingle-test"), WithSamplingRatio(1))
	t.Cleanup(func() {
		require.NoError(t, tp.Shutdown(context.Background()))
	})

	spanRecorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(spanRecorder)

	_, span := tp.Tracer("").Start(context.Background(), "test")
	span.End()

	spans := spanRecorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "test", spans[0].Name())
}

func TestTraceError(t *testing.T) {
	tp := MustNewTracerProvider(WithSamplingRatio(1))
	t.Cleanup(func() {
		require.NoError(t, tp.Shutdown(context.Background()))
	})

	spanRecorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(spanRecorder)

	_, span := tp.Tracer("").Start(context.Background(), "failing")
	TraceError(span, errors.New("network"))
	span.End()

	spans := spanRecorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, "network", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
}

func TestNoop(t *testing.T) {
	tp := Noop()
	_, span := tp.Tracer("").Start(context.Background(), "test")
	span.End()
	require.False(t, span.SpanContext().IsValid())
	require.NoError(t, tp.Shutdown(context.Background()))
}
