package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/config"
)

// Message types on the event stream.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsAllChannels subscribes a client to every channel.
	wsAllChannels = "*"

	wsSendQueue = 256
)

// WSMessage is one frame on the event stream, in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload carries the channels of a subscribe or unsubscribe.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is the inbound view of WSMessage with the payload left raw.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is read-only bridge telemetry served on the LAN.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSClient is one connected browser or tool.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn

	mu       sync.Mutex
	send     chan []byte
	closed   bool
	channels map[string]struct{}
}

func newWSClient(hub *Hub, conn *websocket.Conn, channels ...string) *WSClient {
	c := &WSClient{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, wsSendQueue),
		channels: make(map[string]struct{}),
	}
	c.subscribe(channels)
	return c
}

// handleWebSocket upgrades the request and starts the client's pumps.
// ?channels=lutron.event,other subscribes on connect; "*" means all.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	var channels []string
	for _, ch := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			channels = append(channels, ch)
		}
	}

	client := newWSClient(s.hub, conn, channels...)
	s.hub.Register(client)
	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

func (c *WSClient) subscribe(channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *WSClient) unsubscribe(channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	c.mu.Unlock()
}

func (c *WSClient) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[wsAllChannels]; ok {
		return true
	}
	_, ok := c.channels[channel]
	return ok
}

// enqueue queues data without blocking. It reports false when the queue
// is full or already closed.
func (c *WSClient) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send queue once; writePump then sends a close frame.
func (c *WSClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// shutdown closes the queue and the socket, unblocking both pumps.
func (c *WSClient) shutdown() {
	c.closeSend()
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Application messages count as liveness too.
		_ = extend("")
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch req.Type {
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var body WSSubscribePayload
		if err := json.Unmarshal(req.Payload, &body); err != nil || len(body.Channels) == 0 {
			c.reply(req.ID, WSTypeError, map[string]string{"message": "payload must list channels"})
			return
		}
		if req.Type == WSTypeSubscribe {
			c.subscribe(body.Channels)
			c.reply(req.ID, WSTypeResponse, map[string]any{"subscribed": body.Channels})
		} else {
			c.unsubscribe(body.Channels)
			c.reply(req.ID, WSTypeResponse, map[string]any{"unsubscribed": body.Channels})
		}
	default:
		c.reply(req.ID, WSTypeError, map[string]string{"message": "unknown message type: " + req.Type})
	}
}

func (c *WSClient) reply(id, kind string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      kind,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err == nil {
		c.enqueue(data)
	}
}
