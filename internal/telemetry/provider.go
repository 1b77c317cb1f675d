package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns a tracer provider whose completed spans are mirrored to
// the structured log, so the long-running monitor's operation history is
// visible without an external collector.
type Provider struct {
	provider *sdktrace.TracerProvider
}

// NewProvider creates a Provider with the slog span processor installed.
func NewProvider() *Provider {
	return &Provider{
		provider: sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(&slogSpanProcessor{}),
		),
	}
}

func (p *Provider) Tracer(name string) trace.Tracer {
	return p.provider.Tracer(name)
}

func (p *Provider) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.provider.Shutdown(ctx)
}

type slogSpanProcessor struct{}

func (slogSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (slogSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	attrs := []any{
		"span", s.Name(),
		"elapsed", s.EndTime().Sub(s.StartTime()).Round(time.Millisecond),
	}
	for _, kv := range s.Attributes() {
		attrs = append(attrs, string(kv.Key), kv.Value.AsString())
	}
	if s.Status().Code == codes.Error {
		attrs = append(attrs, "err", s.Status().Description)
		slog.Debug("operation failed", attrs...)
		return
	}
	slog.Debug("operation complete", attrs...)
}

func (slogSpanProcessor) Shutdown(context.Context) error   { return nil }
func (slogSpanProcessor) ForceFlush(context.Context) error { return nil }
