package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"airwave-live/internal/observability/logging"
)

const requestIDHeader = "X-Request-Id"

// requestIDMiddleware assigns every request an ID, echoes it back to the
// caller, and seeds the context so downstream log records carry it.
func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sanitizeRequestID(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		ctx := logging.ContextWithRequestID(r.Context(), id)
		ctx = logging.ContextWithLogger(ctx, logger)
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sanitizeRequestID keeps caller-supplied IDs short and printable so they are
// safe to log verbatim.
func sanitizeRequestID(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 || len(raw) > 64 {
		return ""
	}
	for _, r := range raw {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return raw
}
