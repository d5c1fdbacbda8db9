package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nerrad567/cloudcontrol-core/internal/device"
	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/config"
	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/logging"
	"github.com/nerrad567/cloudcontrol-core/internal/session"
)

// WebSocket message types. Any other inbound type names a device operation.
const (
	WSTypeSubscribe    = "subscribe"
	WSTypeUnsubscribe  = "unsubscribe"
	WSTypeSubscribed   = "subscribed"
	WSTypeUnsubscribed = "unsubscribed"
	WSTypePing         = "ping"
	WSTypePong         = "pong"
	WSTypeResult       = "result"
	WSTypeError        = "error"

	// WSTargetScreenshot is the only stream target.
	WSTargetScreenshot = "screenshot"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 64

	// wsMaxInFlight bounds concurrent operations per client.
	wsMaxInFlight = 16

	// streamErrorBackoff is the pause after a failed stream frame.
	streamErrorBackoff = 500 * time.Millisecond
)

// WSMessage is an inbound control message.
//
//	{"type": "touch", "id": "1", "data": {"x": 540, "y": 1200}}
//	{"type": "subscribe", "target": "screenshot", "interval": 50}
type WSMessage struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Target   string          `json:"target,omitempty"`
	Interval int             `json:"interval,omitempty"` // milliseconds
	Data     json.RawMessage `json:"data,omitempty"`
}

// WSReply is an outbound control message.
type WSReply struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Operation string `json:"operation,omitempty"`
	Target    string `json:"target,omitempty"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
	Error     *Error `json:"error,omitempty"`
}

// outbound is one queued frame.
type outbound struct {
	msgType int
	data    []byte
}

// Hub tracks WebSocket control sessions.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
	streams atomic.Int64
}

// WSClient is one control session bound to a device.
type WSClient struct {
	id       string
	deviceID string
	hub      *Hub
	conn     *websocket.Conn
	send     chan outbound
	sessions *session.Manager

	ctx    context.Context
	cancel context.CancelFunc

	inFlight chan struct{}

	mu           sync.Mutex
	stopStream   context.CancelFunc
	subscription map[string]struct{}
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected",
		"session", client.id, "device", client.deviceID, "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	client.cancel()
	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected",
		"session", client.id, "device", client.deviceID, "clients", h.ClientCount())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StreamCount returns the number of running screenshot streams.
func (h *Hub) StreamCount() int {
	return int(h.streams.Load())
}

// DisconnectDevice closes every session bound to deviceID.
func (h *Hub) DisconnectDevice(deviceID string) {
	h.mu.RLock()
	var conns []*websocket.Conn
	for client := range h.clients {
		if client.deviceID == deviceID && client.conn != nil {
			conns = append(conns, client.conn)
		}
	}
	h.mu.RUnlock()

	// readPump notices the closed socket and unregisters.
	for _, conn := range conns {
		conn.Close()
	}
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.cancel()
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the connection to a control session for one device.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.registry.GetDevice(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "device", id, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &WSClient{
		id:           uuid.NewString(),
		deviceID:     id,
		hub:          s.hub,
		conn:         conn,
		send:         make(chan outbound, wsSendBufferSize),
		sessions:     s.sessions,
		ctx:          ctx,
		cancel:       cancel,
		inFlight:     make(chan struct{}, wsMaxInFlight),
		subscription: make(map[string]struct{}),
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(cfg.MaxMessageSize)
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "session", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "session", c.id, "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		if msgType != websocket.TextMessage {
			c.sendError("", ErrCodeBadRequest, "only text messages are accepted")
			continue
		}
		c.handleMessage(message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(frame.msgType, frame.data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming control message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", ErrCodeBadRequest, "invalid JSON message")
		return
	}

	switch msg.Type {
	case "":
		c.sendError(msg.ID, ErrCodeBadRequest, "message type is required")
	case WSTypePing:
		c.reply(WSReply{Type: WSTypePong, ID: msg.ID})
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	default:
		c.handleOperation(msg)
	}
}

// handleOperation performs msg.Type as a device operation off the read loop.
func (c *WSClient) handleOperation(msg WSMessage) {
	args, err := parseArgs(msg.Data)
	if err != nil {
		c.sendError(msg.ID, ErrCodeBadRequest, "data must be a JSON object")
		return
	}

	select {
	case c.inFlight <- struct{}{}:
	default:
		c.sendError(msg.ID, session.KindOverloaded, "too many operations in flight")
		return
	}

	go func() {
		defer func() { <-c.inFlight }()

		start := time.Now()
		res, err := c.sessions.Perform(c.ctx, c.deviceID, msg.Type, args)
		if err != nil {
			e := sessionError(err)
			c.reply(WSReply{Type: WSTypeError, ID: msg.ID, Operation: msg.Type, Error: &e})
			return
		}
		c.reply(WSReply{
			Type:      WSTypeResult,
			ID:        msg.ID,
			Operation: msg.Type,
			Payload:   newOperationResponse(c.deviceID, msg.Type, res, time.Since(start)),
		})
	}()
}

// handleSubscribe starts a screenshot stream. Subscribing again while a
// stream runs changes nothing.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	if msg.Target != WSTargetScreenshot {
		c.sendError(msg.ID, ErrCodeBadRequest, "unknown subscription target: "+msg.Target)
		return
	}

	interval := c.hub.streamInterval(msg.Interval)

	c.mu.Lock()
	if _, ok := c.subscription[msg.Target]; !ok {
		ctx, cancel := context.WithCancel(c.ctx)
		c.subscription[msg.Target] = struct{}{}
		c.stopStream = cancel
		go c.streamScreenshots(ctx, interval)
	}
	c.mu.Unlock()

	c.reply(WSReply{
		Type:    WSTypeSubscribed,
		ID:      msg.ID,
		Target:  msg.Target,
		Payload: map[string]any{"interval_ms": interval.Milliseconds()},
	})
}

// handleUnsubscribe stops the screenshot stream if one runs.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	c.mu.Lock()
	if _, ok := c.subscription[msg.Target]; ok {
		delete(c.subscription, msg.Target)
		if c.stopStream != nil {
			c.stopStream()
			c.stopStream = nil
		}
	}
	c.mu.Unlock()

	c.reply(WSReply{Type: WSTypeUnsubscribed, ID: msg.ID, Target: msg.Target})
}

// streamInterval resolves a requested interval in milliseconds.
// Zero means the configured default; anything below the minimum is raised to it.
func (h *Hub) streamInterval(requestedMS int) time.Duration {
	interval := h.cfg.StreamInterval
	if requestedMS > 0 {
		interval = time.Duration(requestedMS) * time.Millisecond
	}
	if interval < h.cfg.MinStreamInterval {
		interval = h.cfg.MinStreamInterval
	}
	return interval
}

// streamScreenshots sends one binary JPEG frame per interval until ctx ends.
// Frames are dropped, not queued, when the client reads slower than the stream.
func (c *WSClient) streamScreenshots(ctx context.Context, interval time.Duration) {
	c.hub.streams.Add(1)
	defer c.hub.streams.Add(-1)

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		res, err := c.sessions.Perform(ctx, c.deviceID, WSTargetScreenshot, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e := sessionError(err)
			c.reply(WSReply{Type: WSTypeError, Operation: WSTargetScreenshot, Target: WSTargetScreenshot, Error: &e})
			select {
			case <-ctx.Done():
				return
			case <-time.After(streamErrorBackoff):
			}
			continue
		}

		c.trySend(outbound{msgType: websocket.BinaryMessage, data: res.Body})
	}
}

// trySend attempts to queue a frame.
// It silently handles closed channels (client disconnected mid-send)
// and full buffers (slow client).
func (c *WSClient) trySend(frame outbound) bool {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// reply queues a JSON control message.
func (c *WSClient) reply(msg WSReply) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("failed to marshal websocket reply", "session", c.id, "error", err)
		return
	}
	if !c.trySend(outbound{msgType: websocket.TextMessage, data: data}) {
		c.hub.logger.Debug("websocket reply dropped", "session", c.id, "type", msg.Type)
	}
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, code, message string) {
	c.reply(WSReply{Type: WSTypeError, ID: id, Error: &Error{Code: code, Message: message}})
}
