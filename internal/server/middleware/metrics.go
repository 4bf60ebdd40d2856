package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/metrics"
	"github.com/namelens/aoaisim/internal/observability"
)

// statusRecorder remembers the status and body size written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.size += int64(n)
	return n, err
}

// Flush keeps streamed chat completions flowing through the recorder.
func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// getEndpointPattern prefers the matched chi route. Simulated traffic hits
// the catch-all, which says nothing, so those paths are classified by shape.
func getEndpointPattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && pattern != "/*" {
			return pattern
		}
	}
	return metrics.Endpoint(r.URL.Path)
}

func errorClass(status int) string {
	if status >= http.StatusInternalServerError {
		return "server_error"
	}
	return "client_error"
}

// RequestMetrics emits the http_* request metrics and logs one line per
// request. Request ids go to the log only.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sys := observability.TelemetrySystem
		if sys == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		requestSize, _ := strconv.ParseInt(r.Header.Get("Content-Length"), 10, 64)

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		endpoint := getEndpointPattern(r)
		status := strconv.Itoa(rec.status)

		sizeLabels := map[string]string{"method": r.Method, "endpoint": endpoint}
		labels := map[string]string{"method": r.Method, "endpoint": endpoint, "status": status}

		_ = sys.Counter("http_requests_total", 1, labels)
		_ = sys.Histogram("http_request_duration_ms", elapsed, labels)
		_ = sys.Gauge("http_request_size_bytes", float64(requestSize), sizeLabels)
		_ = sys.Gauge("http_response_size_bytes", float64(rec.size), sizeLabels)

		if rec.status >= http.StatusBadRequest {
			_ = sys.Counter("http_errors_total", 1, map[string]string{
				"method":     r.Method,
				"endpoint":   endpoint,
				"status":     status,
				"error_type": errorClass(rec.status),
			})
		}

		if logger := observability.ServerLogger; logger != nil {
			logger.Info("HTTP request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", endpoint),
				zap.Int("status", rec.status),
				zap.Duration("duration", elapsed),
				zap.Int64("request_size", requestSize),
				zap.Int64("response_size", rec.size),
				zap.String("requestID", GetRequestID(r.Context())),
			)
		}
	})
}
