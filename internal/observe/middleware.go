package observe

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the request's trace ID back to the caller.
const CorrelationHeader = "X-Correlation-ID"

// polledRoutes are polled by orchestrators and scrapers. Successful polls
// log at debug level.
var polledRoutes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// responseWriter records the status and body size written by a handler.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *responseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (w *responseWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Middleware traces every request as a server span (continuing an incoming
// W3C traceparent), returns the trace ID in [CorrelationHeader], records
// m.HTTPRequestDuration and logs one line per request. Server errors mark
// the span as failed.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	var prop propagation.TraceContext

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := r.URL.Path

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(route),
				),
			)
			if id := CorrelationID(ctx); id != "" {
				w.Header().Set(CorrelationHeader, id)
			}

			rw := &responseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r.WithContext(ctx))
			status := rw.code()
			elapsed := time.Since(start)

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", route),
				attribute.Int("status", status),
			))

			var err error
			if status >= http.StatusInternalServerError {
				err = fmt.Errorf("observe: %s %s returned %d", r.Method, route, status)
			}
			EndSpan(span, err,
				semconv.HTTPResponseStatusCode(status),
				semconv.HTTPResponseBodySize(rw.size),
			)

			Logger(ctx).LogAttrs(ctx, requestLevel(route, status), "http request",
				slog.String("method", r.Method),
				slog.String("path", route),
				slog.Int("status", status),
				slog.Int("bytes", rw.size),
				slog.Duration("duration", elapsed),
			)
		})
	}
}

// requestLevel picks the log level for a finished request. Server errors
// warn even on polled routes.
func requestLevel(route string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case polledRoutes[route] && status < http.StatusBadRequest:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
