// Package xtrace provides thin span helpers so the worker's claim/process/
// resolve lifecycle is traceable end to end without requiring the queue
// package itself to depend on a concrete tracing SDK or exporter — only
// the otel/trace API surface is used, the way a library (rather than an
// application's main) should.
package xtrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/taskqueue-go/taskqueue")

// StartSpan starts a span named name with the given attributes and
// returns the derived context and an end function. Safe to call even
// when no SDK/exporter has been configured: the global otel tracer
// falls back to a no-op implementation.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func() { span.End() }
}

// RecordError attaches err to the span in ctx, if any, as an error
// event; the span's status is left unchanged. A no-op if ctx carries
// no recording span.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}

// AddEvent adds a named event with attributes to the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
