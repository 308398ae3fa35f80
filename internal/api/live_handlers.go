package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"airwave-live/internal/models"
	"airwave-live/internal/observability/logging"
	"airwave-live/internal/ratelimit"
	"airwave-live/internal/relay"
	"airwave-live/internal/ws"
)

type liveStatusResponse struct {
	models.StatusSnapshot
	StreamURL string `json:"streamUrl,omitempty"`
}

// LiveStatus serves the current aggregate listener snapshot plus the public
// stream URL the player should tune to.
func (h *Handler) LiveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, liveStatusResponse{
		StatusSnapshot: h.Aggregator.Snapshot(r.Context()),
		StreamURL:      h.StreamURL,
	})
}

// ListenerSocket admits a listener-status WebSocket connection. Every
// handshake consumes from the per-IP bucket; listener connections carry no
// bypass.
func (h *Handler) ListenerSocket(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r)
	if h.Limiter != nil && !h.Limiter.TryConsume(ratelimit.CategoryHandshakeIP, ip, 1) {
		h.recorder().ObserveRateLimited(string(ratelimit.CategoryHandshakeIP))
		h.writeRateLimited(w)
		return
	}
	h.ListenerGateway.HandleConnection(w, r)
}

// BroadcasterSocket admits a DJ's audio ingest connection and pipes its
// binary frames into the broadcast's relay session. Verified DJs bypass the
// handshake limiter so a reconnecting broadcaster is never locked out of
// their own show.
func (h *Handler) BroadcasterSocket(w http.ResponseWriter, r *http.Request) {
	user, authErr := h.AuthenticateRequest(r)
	verifiedDJ := authErr == nil && (user.HasRole(models.RoleDJ) || user.IsElevated())

	if !verifiedDJ && h.Limiter != nil {
		ip := ClientIP(r)
		if !h.Limiter.TryConsume(ratelimit.CategoryHandshakeIP, ip, 1) {
			h.recorder().ObserveRateLimited(string(ratelimit.CategoryHandshakeIP))
			h.writeRateLimited(w)
			return
		}
	}
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, authErr)
		return
	}
	if !verifiedDJ {
		writeError(w, http.StatusForbidden, fmt.Errorf("broadcasting requires the dj role"))
		return
	}

	broadcastID := r.URL.Query().Get("broadcastId")
	if broadcastID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("broadcastId query parameter is required"))
		return
	}
	current, err := h.coordinator().Get(broadcastID)
	if err != nil {
		writeError(w, broadcastErrorStatus(err), err)
		return
	}
	if current.Status != models.BroadcastLive && current.Status != models.BroadcastTesting {
		writeError(w, http.StatusConflict, fmt.Errorf("broadcast %s is not accepting audio", broadcastID))
		return
	}
	if !user.IsElevated() && !isCurrentDJ(current, user.ID) {
		writeError(w, http.StatusForbidden, fmt.Errorf("only the on-air DJ may stream audio"))
		return
	}

	conn, err := ws.Accept(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := h.Relays.StartSession(r.Context(), broadcastID, user.ID, current.Title)
	if err != nil {
		status := "relay unavailable"
		if errors.Is(err, relay.ErrSessionActive) {
			status = "broadcast already has an active relay"
		}
		h.logger().Error("relay session start failed", "broadcast_id", broadcastID, "error", err)
		_ = conn.WriteText([]byte(fmt.Sprintf(`{"type":"error","error":%q}`, status)))
		_ = conn.Close()
		return
	}

	ctx := logging.ContextWithSessionID(context.Background(), session.ID)
	go h.pumpBroadcastAudio(ctx, conn, session)
}

// pumpBroadcastAudio reads frames off the socket until the DJ disconnects.
// A clean close drains the encoder; anything else aborts it.
func (h *Handler) pumpBroadcastAudio(ctx context.Context, conn *ws.Conn, session *relay.Session) {
	defer conn.Close()
	for {
		kind, payload, err := conn.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ws.ErrConnClosed) {
				_ = session.Close()
			} else {
				h.logger().Warn("broadcaster transport error", "session_id", session.ID, "error", err)
				session.Abort()
			}
			return
		}
		if kind != ws.MessageBinary {
			// Text frames are client chatter (codec hints, keepalives); the
			// relay only consumes audio.
			continue
		}
		if err := session.WriteChunk(payload); err != nil {
			_ = conn.WriteText([]byte(`{"type":"error","error":"relay write failed"}`))
			return
		}
	}
}

// Health reports component readiness in the shared component/status shape.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	components, overall, status := h.componentHealth(r.Context())
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overall := "ok"
	statusCode := http.StatusOK
	record := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overall = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 4)
	if h.Store != nil {
		components = append(components, record("datastore", h.Store.Ping(ctx)))
	}
	components = append(components, record("sessions", h.sessionManager().Ping(ctx)))
	if h.Limiter != nil {
		components = append(components, record("rate_limiter", h.Limiter.Ping(ctx)))
	}
	if h.Queue != nil {
		components = append(components, record("notify_queue", h.Queue.Ping(ctx)))
	}

	return components, overall, statusCode
}
