package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"airwave-live/internal/api"
	"airwave-live/internal/observability/logging"
	"airwave-live/internal/observability/metrics"
)

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	accessLogger := logging.WithComponent(logger, "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := metrics.NewResponseRecorder(w)
		next.ServeHTTP(recorder, r)
		logging.WithContext(r.Context(), accessLogger).Info("request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", recorder.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote", api.ClientIP(r)),
		)
	})
}

func metricsMiddleware(recorder *metrics.Recorder, next http.Handler) http.Handler {
	return metrics.HTTPMiddleware(recorder, next)
}

// authMiddleware resolves the session token into a user and stores it on the
// request context. Public endpoints pass through untouched; handlers that
// require a user enforce it themselves.
func authMiddleware(handler *api.Handler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.Method, r.URL.Path) || isSocketPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		user, err := handler.AuthenticateRequest(r)
		if err == nil {
			r = r.WithContext(api.ContextWithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// isSocketPath marks the websocket endpoints, which run their own admission
// and auth checks before upgrading.
func isSocketPath(path string) bool {
	return path == "/api/live/listen" || path == "/api/live/broadcast"
}

func isPublicPath(method, path string) bool {
	switch path {
	case "/healthz", "/metrics", "/api/auth/signup", "/api/auth/login", "/api/live/status":
		return true
	}
	if method != http.MethodGet {
		return false
	}
	if path == "/api/broadcasts" || strings.HasPrefix(path, "/api/broadcasts/") {
		return true
	}
	// Static player assets live outside the API prefix.
	return !strings.HasPrefix(path, "/api/")
}
