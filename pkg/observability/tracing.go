package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span wraps an otel span with a reduced surface used by the core
type Span struct {
	span trace.Span
}

// StartSpan starts a trace span. With no tracer provider registered the
// returned span is a noop, so call sites never need to guard.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	tracer := otel.Tracer("inkwell")
	ctx, span := tracer.Start(ctx, name)
	return ctx, &Span{span: span}
}

// End completes the span
func (s *Span) End() {
	s.span.End()
}

// SetAttribute sets a string-convertible attribute on the span
func (s *Span) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	}
}

// RecordError records an error on the span
func (s *Span) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
