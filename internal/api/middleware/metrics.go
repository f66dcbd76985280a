package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/metrics"
)

// knownPaths are recorded as-is; anything else is folded into "other".
var knownPaths = map[string]bool{
	"/health":   true,
	"/api":      true,
	"/status":   true,
	"/activity": true,
	"/find":     true,
	"/ws":       true,
	"/metrics":  true,
}

// Metrics returns middleware that records Prometheus metrics.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// keeps http.Hijacker for websocket upgrades
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusSwitchingProtocols
		}
		path := normalizePath(r.URL.Path)

		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, path, strconv.Itoa(status),
		).Inc()

		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, path,
		).Observe(time.Since(start).Seconds())
	})
}

// normalizePath normalizes paths to avoid high cardinality in metrics.
func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	return "other"
}
