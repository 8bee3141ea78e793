// Package middleware provides the HTTP middleware chain of the gateway.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/transaction_gateway/internal/logging"
	"github.com/R3E-Network/transaction_gateway/internal/metrics"
)

// TraceHeader carries the request trace id in both directions.
const TraceHeader = "X-Trace-ID"

// MetricsMiddleware records HTTP metrics for each request.
func MetricsMiddleware(serviceName string, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.IncrementInFlight()
			defer m.DecrementInFlight()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			// route templates keep label cardinality bounded
			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			m.RecordHTTPRequest(serviceName, r.Method, path, strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

// LoggingMiddleware attaches a trace id to the request and logs its outcome.
func LoggingMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get(TraceHeader)
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			w.Header().Set(TraceHeader, traceID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.LogRequest(ctx, r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.written {
		return
	}
	rw.statusCode = code
	rw.written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
