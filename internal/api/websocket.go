package api

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/containment-core/internal/infrastructure/config"
	"github.com/nerrad567/containment-core/internal/infrastructure/logging"
	"github.com/nerrad567/containment-core/internal/liveness"
)

// Message types on the status stream.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsQueueSize bounds the events buffered for one slow client.
	wsQueueSize = 64
)

// Event channels clients can subscribe to.
const (
	EventConnectionStateChanged = "connection.state_changed"
	EventLivenessStatusChanged  = "liveness.status_changed"
)

func knownChannel(ch string) bool {
	return ch == EventConnectionStateChanged || ch == EventLivenessStatusChanged
}

// ConnectionEvent is the payload of connection.state_changed. An empty
// DeviceID is the shared broker connection.
type ConnectionEvent struct {
	DeviceID  string `json:"device_id"`
	Connected bool   `json:"connected"`
}

// LivenessEvent is the payload of liveness.status_changed.
type LivenessEvent struct {
	DeviceID            string          `json:"device_id"`
	From                liveness.Status `json:"from"`
	To                  liveness.Status `json:"to"`
	At                  time.Time       `json:"at"`
	LastSeen            *time.Time      `json:"last_seen,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
}

func connectionEvent(deviceID string, connected bool) ConnectionEvent {
	return ConnectionEvent{DeviceID: deviceID, Connected: connected}
}

func livenessEvent(ch liveness.Change) LivenessEvent {
	ev := LivenessEvent{
		DeviceID:            ch.DeviceID,
		From:                ch.From,
		To:                  ch.To,
		At:                  ch.At,
		ConsecutiveFailures: ch.Record.ConsecutiveFailures,
	}
	if !ch.Record.LastSeen.IsZero() {
		seen := ch.Record.LastSeen
		ev.LastSeen = &seen
	}
	return ev
}

// WSMessage is one frame on the status stream.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload names the channels of a subscribe or unsubscribe
// request. Replies carry the client's full channel set.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

type wsRequest struct {
	Type    string             `json:"type"`
	ID      string             `json:"id"`
	Payload WSSubscribePayload `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS middleware.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Hub fans connection and liveness changes out to stream clients.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn    *websocket.Conn
	subject string
	queue   chan []byte
	done    chan struct{}
	stop    sync.Once

	mu       sync.Mutex
	channels map[string]struct{}
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := slices.Collect(maps.Keys(h.clients))
	clear(h.clients)
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}

// Broadcast queues an event for every client subscribed to channel.
// Clients whose queue is full miss the event.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subscribed(channel) && !c.enqueue(data) {
			h.logger.Debug("event dropped for slow client", "channel", channel, "subject", c.subject)
		}
	}
}

// serve runs one client until either side closes the connection.
// It blocks on the read side; writes happen on a separate goroutine.
func (h *Hub) serve(conn *websocket.Conn, subject string) {
	c := &wsClient{
		conn:     conn,
		subject:  subject,
		queue:    make(chan []byte, wsQueueSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "subject", subject)

	go h.writeLoop(c)
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.shutdown()
	h.logger.Debug("websocket client disconnected", "subject", subject)
}

func (h *Hub) readLoop(c *wsClient) {
	wait := time.Duration(h.cfg.PingInterval+h.cfg.PongTimeout) * time.Second
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(wait)) }

	c.conn.SetReadLimit(int64(h.cfg.MaxMessageSize))
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		_ = extend("")
		c.handle(data)
	}
}

// writeLoop owns every data frame written to the connection and closes
// it on the way out, which also ends readLoop.
func (h *Hub) writeLoop(c *wsClient) {
	writeWait := time.Duration(h.cfg.PongTimeout) * time.Second
	ping := time.NewTicker(time.Duration(h.cfg.PingInterval) * time.Second)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		var err error
		select {
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case data := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = c.conn.WriteMessage(websocket.TextMessage, data)
		case <-ping.C:
			err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
		if err != nil {
			return
		}
	}
}

func (c *wsClient) shutdown() {
	c.stop.Do(func() { close(c.done) })
}

// enqueue reports false when the client's queue is full.
func (c *wsClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.queue <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *wsClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}
	if req.Type != WSTypeSubscribe && req.Type != WSTypeUnsubscribe {
		c.reply(req.ID, WSTypeError, map[string]string{"message": "unknown message type: " + req.Type})
		return
	}
	for _, ch := range req.Payload.Channels {
		if !knownChannel(ch) {
			c.reply(req.ID, WSTypeError, map[string]string{"message": "unknown channel: " + ch})
			return
		}
	}

	c.mu.Lock()
	for _, ch := range req.Payload.Channels {
		if req.Type == WSTypeSubscribe {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
	current := slices.Sorted(maps.Keys(c.channels))
	c.mu.Unlock()

	c.reply(req.ID, WSTypeResponse, WSSubscribePayload{Channels: current})
}

func (c *wsClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// handleWebSocket upgrades to the status stream. Authentication is by a
// single-use ticket from POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.consume(ticket, time.Now())
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	s.hub.serve(conn, entry.subject)
}
