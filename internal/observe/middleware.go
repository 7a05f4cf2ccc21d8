package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// OtherRoute is the route label for paths outside the configured route set.
const OtherRoute = "other"

// sessionAttr tags spans with the ingest session named in the query.
const sessionAttr = "voicesift.session_id"

// responseWriter records the status the handler produced. A hijacked
// connection counts as 101.
type responseWriter struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
		w.hijacked = true
	}
	return conn, rw, err
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	routes map[string]bool
	quiet  map[string]bool
}

// WithRoutes limits the path label on metrics and span names to the given
// paths. Any other path is reported as [OtherRoute]. Without this option
// the raw path is used.
func WithRoutes(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		if c.routes == nil {
			c.routes = make(map[string]bool, len(paths))
		}
		for _, p := range paths {
			c.routes[p] = true
		}
	}
}

// WithQuietPaths logs successful requests to the given paths at debug
// level. Probes and scrapes would otherwise flood the info log.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		if c.quiet == nil {
			c.quiet = make(map[string]bool, len(paths))
		}
		for _, p := range paths {
			c.quiet[p] = true
		}
	}
}

func (c *middlewareConfig) route(path string) string {
	if c.routes == nil || c.routes[path] {
		return path
	}
	return OtherRoute
}

// Middleware wraps an [http.Handler] with request telemetry. Each request
// continues the W3C trace context it carries (or starts a new trace), runs
// inside a server span, answers with X-Correlation-ID, and has its duration
// recorded to [Metrics.HTTPRequestDuration] by method, route and status
// class. Requests carrying a session query parameter have it attached to
// the span and the completion log line.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	cfg := &middlewareConfig{}
	for _, o := range opts {
		o(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := cfg.route(r.URL.Path)
			session := r.URL.Query().Get("session")

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			attrs := []attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			}
			if session != "" {
				attrs = append(attrs, attribute.String(sessionAttr, session))
			}
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
					attribute.String("status_class", statusClass(rw.status)),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rw.status))

			level := slog.LevelInfo
			if cfg.quiet[r.URL.Path] && rw.status < http.StatusBadRequest {
				level = slog.LevelDebug
			}
			logAttrs := []slog.Attr{
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.status),
				slog.Duration("duration", elapsed),
			}
			if session != "" {
				logAttrs = append(logAttrs, slog.String("session_id", session))
			}
			msg := "observe: request completed"
			if rw.hijacked {
				msg = "observe: stream closed"
			}
			slog.LogAttrs(ctx, level, msg, logAttrs...)
		})
	}
}

// statusClass buckets an HTTP status as "2xx", "4xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
