package observe

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests that did not hit a registered route, so
// arbitrary URLs cannot blow up metric cardinality.
const unmatchedRoute = "unmatched"

// Middleware returns a [gin.HandlerFunc] that:
//
//  1. Extracts W3C Trace Context from incoming request headers (or starts a
//     new trace).
//  2. Starts an OTel span for the request, named after the route template.
//  3. Sets the X-Correlation-ID response header from the trace ID.
//  4. Records request duration to [Metrics.HTTPRequestDuration].
//  5. Logs request completion with status code, duration, and trace info.
func Middleware(m *Metrics) gin.HandlerFunc {
	prop := propagation.TraceContext{}

	return func(c *gin.Context) {
		start := time.Now()
		r := c.Request

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}

		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				semconv.HTTPRoute(route),
			),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			c.Header("X-Correlation-ID", cid)
		}
		prop.Inject(ctx, propagation.HeaderCarrier(c.Writer.Header()))

		c.Request = r.WithContext(ctx)
		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", route),
			),
		)
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))

		slog.LogAttrs(ctx, slog.LevelInfo, "request completed",
			slog.String("trace_id", cid),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", duration),
		)
	}
}
