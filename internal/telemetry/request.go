package telemetry

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization|sessionid|csrftoken)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	learnerQueryPattern    = regexp.MustCompile(`(?i)([?&]userId=)[^&\s]+`)
)

// RequestSpec describes one outbound backend request.
type RequestSpec struct {
	Method string
	Path   string
	// Idempotent requests may be retried.
	Idempotent bool
}

// RequestCall tracks one backend.request span across its retries.
type RequestCall struct {
	span      trace.Span
	startedAt time.Time

	mu      sync.Mutex
	retries int
	ended   bool
}

type requestCallContextKey struct{}

// StartRequest starts a backend.request span and returns a context carrying
// the tracker. A nil tracer uses the global provider.
func StartRequest(ctx context.Context, tracer trace.Tracer, req RequestSpec) (context.Context, *RequestCall) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracer == nil {
		tracer = otel.Tracer("scormbridge/telemetry")
	}

	spanCtx, span := tracer.Start(
		ctx,
		"backend.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", normalizeOrUnknown(strings.ToUpper(req.Method))),
			attribute.String("http.path", normalizeOrUnknown(req.Path)),
			attribute.Bool("idempotent", req.Idempotent),
		),
	)

	call := &RequestCall{
		span:      span,
		startedAt: time.Now(),
	}
	return context.WithValue(spanCtx, requestCallContextKey{}, call), call
}

// RequestCallFromContext returns the request tracker if one exists on the context.
func RequestCallFromContext(ctx context.Context) *RequestCall {
	if ctx == nil {
		return nil
	}
	call, ok := ctx.Value(requestCallContextKey{}).(*RequestCall)
	if !ok {
		return nil
	}
	return call
}

// RecordAttempt adds one attempt event. Failed attempts that will be retried
// carry their redacted error.
func (c *RequestCall) RecordAttempt(statusCode int, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.Int("attempt", c.retries+1),
		attribute.Bool("success", err == nil),
	}
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", statusCode))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error_message", Redact(err.Error())))
		c.retries++
	}
	c.span.AddEvent("backend.attempt", trace.WithAttributes(attrs...))
}

// End finalizes the span with latency, the final status code and the retry count.
func (c *RequestCall) End(statusCode int, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	retries := c.retries
	c.mu.Unlock()

	latencyMS := time.Since(c.startedAt).Milliseconds()
	if latencyMS < 0 {
		latencyMS = 0
	}
	attrs := []attribute.KeyValue{
		attribute.Int64("latency_ms", latencyMS),
		attribute.Int("retry_count", retries),
	}
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", statusCode))
	}
	c.span.SetAttributes(attrs...)

	if err != nil {
		message := Redact(err.Error())
		c.span.AddEvent("exception", trace.WithAttributes(attribute.String("exception.message", message)))
		c.span.SetStatus(codes.Error, message)
	} else {
		c.span.SetStatus(codes.Ok, "")
	}
	c.span.End()
}

// Redact strips credentials and learner identifiers from text bound for
// spans and logs, and truncates it.
func Redact(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = learnerQueryPattern.ReplaceAllString(redacted, "${1}<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
