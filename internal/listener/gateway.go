package listener

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"airwave-live/internal/notify"
	"airwave-live/internal/observability/logging"
	"airwave-live/internal/ws"
)

// GatewayConfig configures a listener Gateway.
type GatewayConfig struct {
	Aggregator *Aggregator
	Queue      notify.Queue
	Logger     *slog.Logger
	// HeartbeatInterval controls how often WebSocket ping frames are sent to
	// connected clients. A zero value disables pings.
	HeartbeatInterval time.Duration
}

// Gateway terminates listener WebSocket connections: inbound messages drive
// the aggregator, and listener-status events from the queue fan out to every
// connected client.
type Gateway struct {
	aggregator *Aggregator
	queue      notify.Queue
	logger     *slog.Logger

	heartbeatInterval time.Duration
}

func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		aggregator:        cfg.Aggregator,
		queue:             cfg.Queue,
		logger:            logging.WithComponent(logger, "listener-gateway"),
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

type inboundMessage struct {
	Type        string `json:"type"`
	Username    string `json:"username,omitempty"`
	BroadcastID string `json:"broadcastId,omitempty"`
	IsPlaying   bool   `json:"isPlaying,omitempty"`
}

type outboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HandleConnection upgrades the request and serves the listener protocol
// until the client disconnects.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The request context dies as soon as this handler returns, hijack or
	// not, so the session context hangs off Background and is canceled by
	// close() when the connection goes away.
	ctx, cancel := context.WithCancel(context.Background())

	sessionID := uuid.NewString()
	c := &client{
		gateway:   g,
		conn:      conn,
		sessionID: sessionID,
		logger:    g.logger.With("session_id", sessionID),
		send:      make(chan outboundMessage, 16),
		cancel:    cancel,
	}

	if g.queue != nil {
		c.sub = g.queue.Subscribe(notify.TopicListenerStatus)
		go c.forwardEvents()
	}
	go c.writeLoop()
	if g.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, g.heartbeatInterval)
	}
	go c.readLoop(ctx)
}

type client struct {
	gateway   *Gateway
	conn      *ws.Conn
	sessionID string
	logger    *slog.Logger
	send      chan outboundMessage
	sub       notify.Subscription
	cancel    context.CancelFunc
	closed    sync.Once

	sendMu     sync.Mutex
	sendClosed bool

	mu      sync.Mutex
	started bool
}

// trySend enqueues a message unless the client is closing or its buffer is
// full. Guarding the closed flag here keeps the forwarder goroutine from
// racing the channel close.
func (c *client) trySend(msg outboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) writeLoop() {
	defer c.close()
	for msg := range c.send {
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := c.conn.WriteText(payload); err != nil {
			return
		}
	}
}

// forwardEvents pushes queue events to the client, dropping when the send
// buffer is full so one slow listener never stalls the fan-out.
func (c *client) forwardEvents() {
	for event := range c.sub.Events() {
		c.trySend(outboundMessage{Type: event.Type, Payload: event.Payload})
	}
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		kind, payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		if kind != ws.MessageText {
			c.sendError("binary frames are not accepted here")
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendError("invalid payload")
			continue
		}
		switch msg.Type {
		case "START_LISTENING":
			c.handleStart(ctx, msg)
		case "STOP_LISTENING":
			c.handleStop(ctx)
		case "PLAYER_STATUS":
			c.gateway.aggregator.OnPlayerStatus(c.sessionID, msg.IsPlaying)
		case "HEARTBEAT":
			c.gateway.aggregator.OnHeartbeat(c.sessionID)
		default:
			c.sendError("unknown command")
		}
	}
}

func (c *client) handleStart(ctx context.Context, msg inboundMessage) {
	c.mu.Lock()
	already := c.started
	c.started = true
	c.mu.Unlock()
	if already {
		return
	}
	c.gateway.aggregator.OnStart(ctx, c.sessionID, msg.Username, msg.BroadcastID)
}

func (c *client) handleStop(ctx context.Context) {
	c.mu.Lock()
	started := c.started
	c.started = false
	c.mu.Unlock()
	if started {
		c.gateway.aggregator.OnStop(ctx, c.sessionID)
	}
}

func (c *client) sendError(message string) {
	c.trySend(outboundMessage{Type: "error", Error: message})
}

func (c *client) close() {
	c.closed.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.handleStop(context.Background())
		if c.sub != nil {
			c.sub.Close()
		}
		c.sendMu.Lock()
		c.sendClosed = true
		close(c.send)
		c.sendMu.Unlock()
		_ = c.conn.Close()
	})
}
