package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/nowplaying/internal/metrics"
)

// Metrics records a Prometheus counter and latency observation per request.
// The route label is read after routing so it holds the pattern
// ("/api/public/{identifier}"), never the identifier itself.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := wrap(w)
		next.ServeHTTP(wrapped, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		metrics.RecordRequest(route, r.Method, wrapped.statusCode, time.Since(start).Seconds())
	})
}
