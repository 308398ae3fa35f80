package server

import (
	"fmt"
	"net/http"
	"strings"

	"airwave-live/internal/api"
	"airwave-live/internal/observability/metrics"
	"airwave-live/internal/ratelimit"
)

// rateLimitMiddleware charges every API request against the caller's per-IP
// bucket. The websocket endpoints and the login handler run their own
// admission checks, so they skip the general bucket here.
func rateLimitMiddleware(limiter *ratelimit.Limiter, recorder *metrics.Recorder, next http.Handler) http.Handler {
	if limiter == nil || !limiter.Enabled() {
		return next
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skipRateLimit(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.TryConsume(ratelimit.CategoryAPIIP, api.ClientIP(r), 1) {
			recorder.ObserveRateLimited(string(ratelimit.CategoryAPIIP))
			retryAfter := int(limiter.RetryAfter().Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			api.WriteError(w, http.StatusTooManyRequests, fmt.Errorf("too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// skipRateLimit exempts health probes, metrics scrapes, static assets, and
// the websocket endpoints, which run their own handshake admission.
func skipRateLimit(path string) bool {
	switch path {
	case "/api/live/listen", "/api/live/broadcast":
		return true
	}
	return !strings.HasPrefix(path, "/api/")
}
