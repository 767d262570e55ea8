package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/MrWong99/murmur"

// Span names of a voice turn. A /chat request produces
//
//	HTTP POST /chat
//	├── pipeline.transcribe
//	│   └── backend.transcribe
//	└── pipeline.respond
//	    ├── backend.reply
//	    └── pipeline.synthesize
const (
	SpanTranscribe        = "pipeline.transcribe"
	SpanRespond           = "pipeline.respond"
	SpanSynthesize        = "pipeline.synthesize"
	SpanBackendTranscribe = "backend.transcribe"
	SpanBackendReply      = "backend.reply"
)

// SessionIDKey tags spans started under [WithSession].
const SessionIDKey = attribute.Key("murmur.session_id")

type sessionKey struct{}

// WithSession returns a copy of ctx that carries the session id. Spans
// started from it get a murmur.session_id attribute and [Logger] adds a
// session_id field.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the id set by [WithSession], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// StartSpan starts a span on the murmur tracer of the global provider. The
// caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name, opts...)
	if id := SessionID(ctx); id != "" {
		span.SetAttributes(SessionIDKey.String(id))
	}
	return ctx, span
}

// FailSpan records err on span and sets an error status. desc becomes the
// status description; when empty the error text is used.
func FailSpan(span trace.Span, err error, desc string) {
	if desc == "" {
		desc = err.Error()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, desc)
}

// CorrelationID returns the trace id of the span in ctx, or "" without one.
// It doubles as the X-Correlation-ID of HTTP responses.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id of the span in
// ctx and the session_id set by [WithSession], whichever are present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SessionID(ctx); id != "" {
		l = l.With(slog.String("session_id", id))
	}
	return l
}
