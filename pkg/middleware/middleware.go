// Package middleware holds the HTTP middleware shared by the public and
// internal listeners.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gantry-ai/gantry/pkg/logging"
)

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// WebSocket upgrades need for hijacking.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Logging logs one line per request with method, path, status, and
// duration. WebSocket upgrades log on connection close, which is fine: the
// duration is the session length.
func Logging(log logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

// Recovery converts handler panics into 500 responses instead of tearing
// down the listener goroutine.
func Recovery(log logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				log.Errorf("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, recovered, debug.Stack())
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
