package httpapi

import (
	"net/http"
	"time"

	"github.com/audiolux/lumen/logging"
)

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// RequestLogger returns chi-compatible middleware that logs each request
// with method, path, status, duration, and response size.
func RequestLogger(log logging.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			log.Info("Request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrap.status,
				"duration", time.Since(start),
				"size", wrap.size)
		})
	}
}
