package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hadrianai/hadrian/internal/metrics"
)

// Metrics records inbound request counts and latency per chi route pattern,
// keeping label cardinality bounded regardless of path parameters.
func Metrics() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := NewStreamingResponseWriter(w)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequestsTotal.WithLabelValues(
				r.Method, route, strconv.Itoa(ww.StatusCode())).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).
				Observe(time.Since(start).Seconds())
		})
	}
}
