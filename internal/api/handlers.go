// Package api exposes HTTP and WebSocket handlers for the live radio
// service: authentication, broadcast lifecycle, DJ handovers, the
// broadcaster ingest socket, and listener status connections.
package api

import (
	"log/slog"
	"time"

	"airwave-live/internal/auth"
	"airwave-live/internal/broadcast"
	"airwave-live/internal/listener"
	"airwave-live/internal/notify"
	"airwave-live/internal/observability/metrics"
	"airwave-live/internal/ratelimit"
	"airwave-live/internal/relay"
	"airwave-live/internal/storage"
)

type Handler struct {
	Store           storage.Repository
	Sessions        *auth.Manager
	Coordinator     *broadcast.Coordinator
	Relays          *relay.Manager
	Aggregator      *listener.Aggregator
	ListenerGateway *listener.Gateway
	Limiter         *ratelimit.Limiter
	Queue           notify.Queue
	Logger          *slog.Logger
	Recorder        *metrics.Recorder
	AllowSelfSignup bool
	// StreamURL is the public Icecast URL advertised to players.
	StreamURL string
}

func NewHandler(store storage.Repository, sessions *auth.Manager) *Handler {
	if sessions == nil {
		sessions = auth.NewManager(24 * time.Hour)
	}
	return &Handler{Store: store, Sessions: sessions}
}

func (h *Handler) sessionManager() *auth.Manager {
	if h.Sessions == nil {
		h.Sessions = auth.NewManager(24 * time.Hour)
	}
	return h.Sessions
}

func (h *Handler) coordinator() *broadcast.Coordinator {
	if h.Coordinator == nil {
		h.Coordinator = broadcast.NewCoordinator(broadcast.Config{
			Repository: h.Store,
			Queue:      h.Queue,
			Logger:     h.Logger,
			Recorder:   h.Recorder,
		})
	}
	return h.Coordinator
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Recorder != nil {
		return h.Recorder
	}
	return metrics.Default()
}
