package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/orrery/internal/logging"
)

const requestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// quietPath reports health and metrics paths that should not log at info.
func quietPath(path string) bool {
	return path == "/healthz" || path == "/metrics"
}

// requestMiddleware assigns a request ID (reusing X-Request-ID when sent),
// stores a request-scoped logger on the context, wraps the request in a
// server span and logs the outcome.
func requestMiddleware(base logging.Logger, tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			if id := r.Header.Get(requestIDHeader); id != "" {
				ctx = logging.ContextWithRequestID(ctx, id)
			}
			ctx, log := logging.WithRequestLogger(ctx, base)
			id := logging.RequestIDFromContext(ctx)
			w.Header().Set(requestIDHeader, id)

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("orrery.request_id", id),
				),
			)
			defer span.End()

			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(sr, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", sr.statusCode))
			if sr.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sr.statusCode))
			}

			fields := []logging.Field{
				logging.String("component", "api"),
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", sr.statusCode),
				logging.Int("duration_ms", int(time.Since(start).Milliseconds())),
				logging.String("remote_addr", r.RemoteAddr),
			}
			if quietPath(r.URL.Path) {
				log.Debug(ctx, "request", fields...)
				return
			}
			log.Info(ctx, "request", fields...)
		})
	}
}
