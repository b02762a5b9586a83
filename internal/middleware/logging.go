package middleware

import (
	"log"
	"net/http"
	"time"
)

// Logging records every request under the [HTTP] component tag, matching
// the log shape of the engine's workers.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		log.Printf("[HTTP] %s %s -> %d (%s) from %s",
			r.Method, r.URL.Path, recorder.status, time.Since(start), r.RemoteAddr)
	})
}

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
