package logging

import (
	"net/http"
	"time"
)

// HTTPMiddleware adds correlation ID and request/response logging to HTTP handlers
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = NewCorrelationID()
		}

		ctx := WithCorrelationID(r.Context(), correlationID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-ID", correlationID)

		start := time.Now()
		Debug(ctx, ComponentHTTP, ActionRequest, "HTTP request started", Fields{
			"method":    r.Method,
			"path":      r.URL.Path,
			"query":     r.URL.RawQuery,
			"remote_ip": r.RemoteAddr,
		})

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		level := INFO
		if wrapper.statusCode >= 500 {
			level = ERROR
		} else if wrapper.statusCode >= 400 {
			level = WARN
		}

		WithDuration(ctx, level, ComponentHTTP, ActionResponse, "HTTP request completed", time.Since(start), Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status_code": wrapper.statusCode,
			"bytes_sent":  wrapper.bytesWritten,
		})
	})
}

// responseWrapper wraps http.ResponseWriter to capture status code and bytes written
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// CorrelationIDMiddleware only attaches correlation IDs, for endpoints that
// are too chatty to log per request (health, metrics scrapes).
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = NewCorrelationID()
		}

		r = r.WithContext(WithCorrelationID(r.Context(), correlationID))
		w.Header().Set("X-Correlation-ID", correlationID)

		next.ServeHTTP(w, r)
	})
}
