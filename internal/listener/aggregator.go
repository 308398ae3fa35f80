package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"airwave-live/internal/models"
	"airwave-live/internal/notify"
	"airwave-live/internal/observability/logging"
	"airwave-live/internal/observability/metrics"
	"airwave-live/internal/storage"
)

const defaultInterval = 5 * time.Second

// Event types emitted on the listener-status topic.
const (
	EventStatusSnapshot = "status-snapshot"
	EventListenerJoined = "listener-joined"
	EventListenerLeft   = "listener-left"
)

// StreamHealth probes the streaming server for mount health. Implemented by
// icecast.StatusClient.
type StreamHealth interface {
	Healthy(ctx context.Context) bool
}

// session is one connected listener. Anonymous listeners have an empty
// Username; a listener not tuned to a specific broadcast has an empty
// BroadcastID.
type session struct {
	id          string
	username    string
	broadcastID string
	playing     bool
	lastSeen    time.Time
}

// membershipEvent is the payload of listener-joined and listener-left events.
type membershipEvent struct {
	SessionID   string `json:"sessionId"`
	Username    string `json:"username,omitempty"`
	BroadcastID string `json:"broadcastId"`
}

// Config carries the aggregator's collaborators.
type Config struct {
	Repository storage.Repository
	Queue      notify.Queue
	Health     StreamHealth
	Logger     *slog.Logger
	Recorder   *metrics.Recorder
	Interval   time.Duration
}

// Aggregator tracks connected listener sessions and periodically publishes a
// status snapshot to the shared listener-status topic. A snapshot is also
// pushed immediately when the stream status flips, independent of the timer.
type Aggregator struct {
	repo     storage.Repository
	queue    notify.Queue
	health   StreamHealth
	logger   *slog.Logger
	recorder *metrics.Recorder
	interval time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	kick chan struct{}
}

func NewAggregator(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Aggregator{
		repo:     cfg.Repository,
		queue:    cfg.Queue,
		health:   cfg.Health,
		logger:   logging.WithComponent(logger, "listener"),
		recorder: recorder,
		interval: interval,
		now:      time.Now,
		sessions: make(map[string]*session),
		kick:     make(chan struct{}, 1),
	}
}

// OnStart registers a listener session and announces the join when the
// listener is tuned to a specific broadcast.
func (a *Aggregator) OnStart(ctx context.Context, sessionID, username, broadcastID string) {
	if sessionID == "" {
		return
	}
	a.mu.Lock()
	a.sessions[sessionID] = &session{
		id:          sessionID,
		username:    username,
		broadcastID: broadcastID,
		lastSeen:    a.now(),
	}
	count := len(a.sessions)
	a.mu.Unlock()

	a.recorder.SetConnectedListeners(int64(count))
	a.logger.Info("listener connected", "session_id", sessionID, "broadcast_id", broadcastID, "connected", count)
	if broadcastID != "" {
		a.publishMembership(ctx, EventListenerJoined, sessionID, username, broadcastID)
	}
	a.RequestEmit()
}

// OnStop removes a listener session. Unknown session IDs are ignored; the
// transport close and the explicit stop message frequently race.
func (a *Aggregator) OnStop(ctx context.Context, sessionID string) {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	if ok {
		delete(a.sessions, sessionID)
	}
	count := len(a.sessions)
	a.mu.Unlock()
	if !ok {
		return
	}

	a.recorder.SetConnectedListeners(int64(count))
	a.logger.Info("listener disconnected", "session_id", sessionID, "connected", count)
	if sess.broadcastID != "" {
		a.publishMembership(ctx, EventListenerLeft, sessionID, sess.username, sess.broadcastID)
	}
	a.RequestEmit()
}

// OnPlayerStatus records whether the listener's player is actually playing.
// A status for an unknown session is a no-op.
func (a *Aggregator) OnPlayerStatus(sessionID string, playing bool) {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	if ok {
		sess.playing = playing
		sess.lastSeen = a.now()
	}
	a.mu.Unlock()
	if ok {
		a.RequestEmit()
	}
}

// OnHeartbeat marks the session as recently seen. Heartbeats are liveness
// signals only; sessions are removed by explicit stop or transport close,
// never by heartbeat timeout.
func (a *Aggregator) OnHeartbeat(sessionID string) {
	a.mu.Lock()
	if sess, ok := a.sessions[sessionID]; ok {
		sess.lastSeen = a.now()
	}
	a.mu.Unlock()
}

// ConnectedCount reports the number of registered listener sessions.
func (a *Aggregator) ConnectedCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

// ActiveCount reports the number of sessions whose player is playing.
func (a *Aggregator) ActiveCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	active := 0
	for _, sess := range a.sessions {
		if sess.playing {
			active++
		}
	}
	return active
}

// RequestEmit asks the run loop for an immediate snapshot, coalescing with
// any emit already pending.
func (a *Aggregator) RequestEmit() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Run emits snapshots on the configured interval until ctx is cancelled.
// External stream-status signals arrive through RequestEmit.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.emit(ctx, false)
		case <-a.kick:
			a.emit(ctx, true)
		}
	}
}

// WatchStreamStatus re-emits a snapshot whenever another component announces
// a stream or broadcast state change on the shared topic. Snapshots and
// membership events originate here and are ignored to avoid feedback.
func (a *Aggregator) WatchStreamStatus(ctx context.Context) error {
	if a.queue == nil {
		return nil
	}
	sub := a.queue.Subscribe(notify.TopicListenerStatus)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			switch event.Type {
			case EventStatusSnapshot, EventListenerJoined, EventListenerLeft:
			default:
				a.RequestEmit()
			}
		}
	}
}

// Snapshot computes the current aggregate without publishing it.
func (a *Aggregator) Snapshot(ctx context.Context) models.StatusSnapshot {
	snapshot := models.StatusSnapshot{
		ListenerCount: a.ConnectedCount(),
		Timestamp:     a.now().UnixMilli(),
	}
	if a.repo != nil {
		if live, ok := a.repo.CurrentLiveBroadcast(); ok {
			snapshot.IsLive = true
			snapshot.LiveBroadcastID = live.ID
			snapshot.PeakListeners = live.PeakListeners
		}
	}
	if a.health != nil {
		if a.health.Healthy(ctx) {
			snapshot.Health = "up"
		} else {
			snapshot.Health = "down"
		}
	}
	return snapshot
}

// emit publishes a snapshot, skipping timer ticks while nobody is connected
// and nothing is live. Forced emits (status changes, joins, leaves) always go
// out.
func (a *Aggregator) emit(ctx context.Context, forced bool) {
	snapshot := a.Snapshot(ctx)
	if !forced && snapshot.ListenerCount == 0 && !snapshot.IsLive {
		return
	}

	if snapshot.IsLive && a.repo != nil && snapshot.ListenerCount > snapshot.PeakListeners {
		updated, err := a.repo.UpdatePeakListeners(snapshot.LiveBroadcastID, snapshot.ListenerCount)
		if err != nil {
			a.logger.Warn("updating peak listener count", "error", err)
		} else {
			snapshot.PeakListeners = updated.PeakListeners
		}
	}

	if a.queue != nil {
		event, err := notify.NewEvent(notify.TopicListenerStatus, EventStatusSnapshot, snapshot)
		if err != nil {
			a.logger.Warn("building status snapshot event", "error", err)
			return
		}
		if err := a.queue.Publish(ctx, event); err != nil {
			a.logger.Warn("publishing status snapshot", "error", err)
			return
		}
	}
	a.recorder.StatusEmitted()
}

// publishMembership announces a join or leave for analytics subscribers.
// Best-effort: a publish failure never affects the listener's session.
func (a *Aggregator) publishMembership(ctx context.Context, eventType, sessionID, username, broadcastID string) {
	if a.queue == nil {
		return
	}
	event, err := notify.NewEvent(notify.TopicListenerStatus, eventType, membershipEvent{
		SessionID:   sessionID,
		Username:    username,
		BroadcastID: broadcastID,
	})
	if err != nil {
		a.logger.Warn("building membership event", "error", err)
		return
	}
	if err := a.queue.Publish(ctx, event); err != nil {
		a.logger.Warn("publishing membership event", "error", err, "type", eventType)
	}
}
