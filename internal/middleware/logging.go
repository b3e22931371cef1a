// internal/middleware/logging.go

package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/sirupsen/logrus"
)

// LogMiddleware is an HTTP middleware that logs incoming requests using Logrus.
// Logs the method, path, status, and duration of each request. The wrapped writer still
// supports hijacking, so websocket upgrades pass through.
func LogMiddleware(logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			fields := logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				fields["request_id"] = reqID
			}
			entry := logger.WithFields(fields)
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("HTTP Request")
				return
			}
			entry.Info("HTTP Request")
		})
	}
}

// LogWebSocketConnect logs a message when a subscriber's websocket is accepted.
func LogWebSocketConnect(logger *logrus.Logger, id models.Identity, source, path string) {
	logger.WithFields(logrus.Fields{
		"player_id": id.PlayerID,
		"role":      id.Role,
		"source":    source,
		"path":      path,
	}).Info("WebSocket connected")
}

// LogWebSocketDisconnect logs a message when a subscriber's websocket goes away.
func LogWebSocketDisconnect(logger *logrus.Logger, id models.Identity, source, path string, err error) {
	fields := logrus.Fields{
		"player_id": id.PlayerID,
		"source":    source,
		"path":      path,
	}
	if err != nil {
		fields["error"] = err
	}
	logger.WithFields(fields).Info("WebSocket disconnected")
}
