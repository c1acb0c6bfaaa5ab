// ABOUTME: OpenTelemetry tracer provider whose span processor writes finished spans to slog.
// ABOUTME: Gives run, step, and attempt spans a consumer without requiring a collector.
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewProvider returns a tracer provider that logs every ended span at debug
// level, failed spans at warn. Callers own Shutdown.
func NewProvider(logger *slog.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(NewLogProcessor(logger)))
}

// LogProcessor is a span processor that logs ended spans.
type LogProcessor struct {
	logger *slog.Logger
}

// NewLogProcessor builds a LogProcessor; a nil logger uses slog.Default.
func NewLogProcessor(logger *slog.Logger) *LogProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProcessor{logger: logger.With(slog.String("component", "tracing"))}
}

func (p *LogProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *LogProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	level := slog.LevelDebug
	status := span.Status()
	if status.Code == codes.Error {
		level = slog.LevelWarn
	}
	if !p.logger.Enabled(context.Background(), level) {
		return
	}

	attrs := []slog.Attr{
		slog.String("span", span.Name()),
		slog.String("trace_id", span.SpanContext().TraceID().String()),
		slog.Duration("duration", span.EndTime().Sub(span.StartTime())),
	}
	if span.Parent().IsValid() {
		attrs = append(attrs, slog.String("parent_id", span.Parent().SpanID().String()))
	}
	if status.Code == codes.Error {
		attrs = append(attrs, slog.String("error", status.Description))
	}
	for _, kv := range span.Attributes() {
		attrs = append(attrs, fromAttribute(kv))
	}
	p.logger.LogAttrs(context.Background(), level, "span ended", attrs...)
}

func (p *LogProcessor) Shutdown(context.Context) error { return nil }
func (p *LogProcessor) ForceFlush(context.Context) error { return nil }

func fromAttribute(kv attribute.KeyValue) slog.Attr {
	key := string(kv.Key)
	switch kv.Value.Type() {
	case attribute.BOOL:
		return slog.Bool(key, kv.Value.AsBool())
	case attribute.INT64:
		return slog.Int64(key, kv.Value.AsInt64())
	case attribute.FLOAT64:
		return slog.Float64(key, kv.Value.AsFloat64())
	default:
		return slog.String(key, kv.Value.Emit())
	}
}
