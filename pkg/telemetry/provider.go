package telemetry

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerProvider is the tracer provider the commands hold on to. Shutdown flushes pending
// spans; calling it more than once is a no-op.
type TracerProvider interface {
	trace.TracerProvider

	Shutdown(context.Context) error
	RegisterSpanProcessor(sdktrace.SpanProcessor)
}

type sdkProvider struct {
	*sdktrace.TracerProvider

	once sync.Once
	err  error
}

func (p *sdkProvider) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		if err := p.TracerProvider.ForceFlush(ctx); err != nil {
			p.err = err
			return
		}
		p.err = p.TracerProvider.Shutdown(ctx)
	})
	return p.err
}

type disabledProvider struct {
	noop.TracerProvider
}

func (disabledProvider) Shutdown(context.Context) error { return nil }

func (disabledProvider) RegisterSpanProcessor(sdktrace.SpanProcessor) {}

// Disabled returns a provider whose spans are never recorded.
func Disabled() TracerProvider {
	return disabledProvider{TracerProvider: noop.NewTracerProvider()}
}
