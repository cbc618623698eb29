package main

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// loggingMiddleware logs every request's method, path, status and latency
// under a per-request id, grounded on the teacher's cmd/explorer/middleware.go
// (a one-line method+path logger) but extended with logrus.Fields and a
// google/uuid request id, matching the teacher's own uuid.New().String() id
// idiom from core/storage.go, applied here to requests instead of storage
// records.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		logrus.WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rw.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request")
	})
}

// statusRecorder captures the response status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
