// Package middleware holds the HTTP middleware shared by the import API:
// request logging and trusted-proxy client IP resolution.
package middleware

import (
	"net/http"
	"time"

	"github.com/procurion/boqflow/internal/logging"
)

// RequestLogger emits one structured log line per request with method, path,
// status, duration, response size, and client address. Server errors log at
// Error and client errors at Warn so import failures stand out in the stream
// without grepping; the request_id from chi's RequestID middleware is
// attached via logging.FromContext.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger := logging.FromContext(r.Context())
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", rec.written,
			"ip", r.RemoteAddr,
		}

		switch {
		case rec.status >= 500:
			logger.Error("request", attrs...)
		case rec.status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	})
}

// statusRecorder captures the status code and body size for the log line.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (rec *statusRecorder) WriteHeader(status int) {
	if rec.wroteHeader {
		return
	}
	rec.status = status
	rec.wroteHeader = true
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.written += int64(n)
	return n, err
}

// Unwrap exposes the wrapped writer so http.NewResponseController can reach
// the Flusher during SSE progress streaming.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}
