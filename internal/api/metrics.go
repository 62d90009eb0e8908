package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VenkatGGG/holdkeeper/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(body []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(body)
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
	})
}

// routeLabel collapses reservation ids and artifact names so label cardinality stays flat.
func routeLabel(path string) string {
	switch {
	case path == "/healthz", path == "/metrics", path == "/v1/reservations":
		return path
	case strings.HasPrefix(path, "/v1/reservations/"):
		parts := strings.Split(strings.TrimPrefix(path, "/v1/reservations/"), "/")
		if len(parts) == 1 {
			return "/v1/reservations/{id}"
		}
		if len(parts) == 2 && (parts[1] == "commands" || parts[1] == "commit-result") {
			return "/v1/reservations/{id}/" + parts[1]
		}
		return "other"
	case strings.HasPrefix(path, "/artifacts/"):
		return "/artifacts/{name}"
	default:
		return "other"
	}
}
