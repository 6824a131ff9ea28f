package gateway

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apotel "github.com/basket/apiforge/internal/otel"
)

// NewCORSMiddleware builds a CORS wrapper from the allowed-origin list.
// An empty list returns a pass-through wrapper: same-origin callers and
// non-browser clients never send a matching Origin header anyway.
func NewCORSMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	if len(allowOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	origins := make(map[string]bool, len(allowOrigins))
	allowAll := false
	for _, o := range allowOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	const (
		methodStr = "GET, POST, PATCH, DELETE, OPTIONS"
		headerStr = "Content-Type, Authorization"
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || origins[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methodStr)
				w.Header().Set("Access-Control-Allow-Headers", headerStr)
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware limits request body size to prevent abuse.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20 // 1 MiB default; endpoint descriptors are small
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response status for the request span and
// duration histogram.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// traceMiddleware opens a server span per request and records the duration
// histogram. WebSocket upgrades are skipped: a span spanning the whole
// connection lifetime is noise, and the recorder breaks http.Hijacker.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	if s.cfg.Tracer == nil && s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		route := routeLabel(r.URL.Path)
		if s.cfg.Tracer != nil {
			spanCtx, span := apotel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+route,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			)
			ctx = spanCtx
			defer span.End()
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", route),
					attribute.Int("http.status_code", rec.status),
				),
			)
		}
	})
}

// routeLabel collapses resource IDs out of a path so metric cardinality
// stays bounded: /api/tasks/<uuid>/cancel becomes /api/tasks/{id}/cancel.
func routeLabel(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if len(p) == 36 && strings.Count(p, "-") == 4 {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}
