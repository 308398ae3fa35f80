package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"airwave-live/internal/icecast"
	"airwave-live/internal/notify"
	"airwave-live/internal/observability/logging"
	"airwave-live/internal/observability/metrics"
)

const defaultShutdownGrace = 5 * time.Second

// ErrSessionActive is returned when a broadcast already has a live relay.
var ErrSessionActive = errors.New("relay session already active for broadcast")

// ErrSessionNotFound is returned when no relay exists for a broadcast.
var ErrSessionNotFound = errors.New("no relay session for broadcast")

// EventStreamStatusChanged is published on the listener-status topic whenever
// a broadcast's relay comes up or goes down.
const EventStreamStatusChanged = "stream-status-changed"

// StreamStatusPayload is the body of a stream-status-changed event.
type StreamStatusPayload struct {
	BroadcastID string `json:"broadcastId"`
	SessionID   string `json:"sessionId"`
	Live        bool   `json:"live"`
}

// Config carries the manager's collaborators. Zero-value Logger and Recorder
// fall back to process-wide defaults.
type Config struct {
	Icecast       icecast.Config
	Queue         notify.Queue
	Logger        *slog.Logger
	Recorder      *metrics.Recorder
	ShutdownGrace time.Duration
}

// Manager owns the relay sessions, at most one per broadcast, and announces
// stream availability changes on the notification queue.
type Manager struct {
	cfg      icecast.Config
	queue    notify.Queue
	logger   *slog.Logger
	recorder *metrics.Recorder
	grace    time.Duration
	launch   launchFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	return &Manager{
		cfg:      cfg.Icecast,
		queue:    cfg.Queue,
		logger:   logging.WithComponent(logger, "relay"),
		recorder: recorder,
		grace:    grace,
		launch:   launchFFmpeg,
		sessions: make(map[string]*Session),
	}
}

// StartSession launches an encoder for the broadcast and returns the
// streaming session. Only one session per broadcast may exist at a time.
func (m *Manager) StartSession(ctx context.Context, broadcastID, djUserID, title string) (*Session, error) {
	if broadcastID == "" {
		return nil, errors.New("broadcast ID is required")
	}

	sessionID := uuid.NewString()
	logger := m.logger.With("session_id", sessionID, "broadcast_id", broadcastID)
	session := &Session{
		ID:          sessionID,
		BroadcastID: broadcastID,
		DJUserID:    djUserID,
		logger:      logger,
		recorder:    m.recorder,
		grace:       m.grace,
		state:       StateStarting,
		finished:    make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.sessions[broadcastID]; exists {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.sessions[broadcastID] = session
	m.mu.Unlock()

	m.recorder.ObserveEgressAttempt("launch")
	proc, err := m.launch(ctx, m.cfg.EncoderArgs(title), logger)
	if err != nil {
		m.remove(broadcastID, session)
		m.recorder.ObserveEgressFailure("launch")
		m.recorder.RelayStartFailed()
		logger.Error("encoder launch failed", "error", err)
		return nil, fmt.Errorf("launch encoder: %w", err)
	}

	session.proc = proc
	session.setState(StateStreaming)
	m.recorder.RelayStarted()
	logger.Info("relay session started", "dj_user_id", djUserID, "mount", m.cfg.StreamURL())
	m.publishStatus(session, true)

	go m.watch(session)
	return session, nil
}

// Session returns the active relay for a broadcast, if any.
func (m *Manager) Session(broadcastID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[broadcastID]
	return session, ok
}

// CloseSession drains and stops the broadcast's relay.
func (m *Manager) CloseSession(broadcastID string) error {
	session, ok := m.Session(broadcastID)
	if !ok {
		return ErrSessionNotFound
	}
	return session.Close()
}

// AbortSession kills the broadcast's relay without draining.
func (m *Manager) AbortSession(broadcastID string) error {
	session, ok := m.Session(broadcastID)
	if !ok {
		return ErrSessionNotFound
	}
	session.Abort()
	return nil
}

// ActiveSessions reports how many relays are currently registered.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every active session. Used during server teardown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = s.Close()
		}(session)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown interrupted before all relays closed")
	}
}

// watch observes the encoder and tidies up once it exits, whichever side
// initiated the teardown.
func (m *Manager) watch(session *Session) {
	<-session.proc.Done()
	session.finish(finishExited)
	<-session.finished
	m.remove(session.BroadcastID, session)
	m.publishStatus(session, false)
	if err := session.finishErr; err != nil {
		session.logger.Warn("relay session ended abnormally", "error", err)
	}
}

// remove deletes the session only if it is still the registered one for the
// broadcast, so a replacement started after teardown is left alone.
func (m *Manager) remove(broadcastID string, session *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[broadcastID]; ok && current == session {
		delete(m.sessions, broadcastID)
	}
	m.mu.Unlock()
}

func (m *Manager) publishStatus(session *Session, live bool) {
	if m.queue == nil {
		return
	}
	event, err := notify.NewEvent(notify.TopicListenerStatus, EventStreamStatusChanged, StreamStatusPayload{
		BroadcastID: session.BroadcastID,
		SessionID:   session.ID,
		Live:        live,
	})
	if err != nil {
		session.logger.Warn("building stream status event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.queue.Publish(ctx, event); err != nil {
		session.logger.Warn("publishing stream status event", "error", err)
	}
}
