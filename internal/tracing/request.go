package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "codexmux-session"

// StartChildRequest starts a client span for an outgoing JSON-RPC request
// issued to an agent child process. The caller must call span.End() once the
// request completes, and may add attributes to record response data.
func StartChildRequest(ctx context.Context, workspaceID, method string) (context.Context, trace.Span) {
	tracer := Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "codex."+method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("workspace_id", workspaceID),
		attribute.String("rpc.method", method),
	)
	return ctx, span
}
