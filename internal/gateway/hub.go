// Package gateway is the websocket edge of the brain service: one endpoint
// per user carries server events out and control-plane requests in. Events
// broadcast while a user has no live connections are buffered through the
// cache store and replayed on the next connect.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pinnokio/brain/internal/cache"
	"github.com/pinnokio/brain/pkg/models"
)

const (
	maxPayloadBytes   = 1 << 20
	defaultSendBuffer = 64
	pongWait          = 45 * time.Second
	pingInterval      = 15 * time.Second
	writeWait         = 10 * time.Second

	defaultBufferTTL = 24 * time.Hour
)

// Dispatcher executes a control-plane request and returns its result
// payload. The manager facade satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// HubConfig wires a Hub.
type HubConfig struct {
	// Buffer stores events for disconnected users. Nil disables offline
	// buffering.
	Buffer cache.Store

	// BufferTTL bounds how long buffered events survive without a
	// reconnect. Defaults to 24h.
	BufferTTL time.Duration

	// JWTSecret, when non-empty, requires a bearer token whose subject
	// matches the connecting uid.
	JWTSecret string

	// SendBuffer is the per-connection outbound queue capacity. A client
	// that falls this far behind is disconnected. Defaults to 64.
	SendBuffer int

	// Dispatcher handles req frames. Nil disables the control plane.
	Dispatcher Dispatcher

	Logger *slog.Logger
}

// Hub fans server events out to a user's live websocket connections.
// Broadcast and Publish are safe from any goroutine.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*connection]struct{}

	buffer     cache.Store
	bufferTTL  time.Duration
	secret     []byte
	sendBuffer int
	dispatcher Dispatcher
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewHub builds a Hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = defaultBufferTTL
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		conns:      make(map[string]map[*connection]struct{}),
		buffer:     cfg.Buffer,
		bufferTTL:  cfg.BufferTTL,
		secret:     []byte(cfg.JWTSecret),
		sendBuffer: cfg.SendBuffer,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP upgrades GET /ws?uid=<user> connections. space_code and
// thread_key are accepted for client bookkeeping but do not scope
// delivery: a user's connections receive all of that user's events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		http.Error(w, "uid is required", http.StatusBadRequest)
		return
	}
	if err := h.authenticate(r, uid); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, h.sendBuffer),
		uid:    uid,
		ctx:    ctx,
		cancel: cancel,
	}
	h.attach(conn)
	h.logger.Info("ws connected", "uid", uid, "thread_key", r.URL.Query().Get("thread_key"))

	go conn.writePump()
	go h.replayBuffered(conn)
	conn.readPump()
}

// Broadcast normalizes the event and sends it to every live connection of
// the user. With no connections and a chat-form channel, the event is
// buffered for replay on the next connect.
func (h *Hub) Broadcast(userID string, event models.Event) {
	event = NormalizeEvent(event)
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal ws event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		if h.buffer != nil && models.IsChatChannel(event.Channel) {
			if err := h.buffer.PushList(context.Background(), cache.BufferKey(userID), data, h.bufferTTL); err != nil {
				h.logger.Warn("buffer ws event", "uid", userID, "error", err)
			}
		}
		return
	}
	for _, c := range targets {
		c.enqueue(data)
	}
}

// Publish routes an event to the user named by its chat channel. It lets
// components that only know the channel (approvals, listeners) broadcast
// without carrying the uid separately.
func (h *Hub) Publish(event models.Event) {
	userID, _, _, ok := models.ParseChatChannel(event.Channel)
	if !ok {
		h.logger.Warn("publish: channel names no user", "channel", event.Channel, "type", event.Type)
		return
	}
	h.Broadcast(userID, event)
}

// ConnectionCount reports live connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// IsUserConnected reports whether the user has at least one live
// connection. The manager uses it to choose streaming vs thinking mode.
func (h *Hub) IsUserConnected(userID string) bool {
	return h.ConnectionCount(userID) > 0
}

// TotalConnections reports live connections across all users.
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.conns {
		total += len(set)
	}
	return total
}

// Close drops every live connection. Buffered events survive in the cache.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*connection, 0)
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.shutdown("hub closing")
	}
}

func (h *Hub) attach(c *connection) {
	h.mu.Lock()
	set := h.conns[c.uid]
	if set == nil {
		set = make(map[*connection]struct{})
		h.conns[c.uid] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) detach(c *connection) {
	h.mu.Lock()
	if set := h.conns[c.uid]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.uid)
		}
	}
	h.mu.Unlock()
}

// replayBuffered drains the user's offline buffer into the new
// connection. Items enqueue through the send channel, so delivery order is
// preserved relative to each other; events broadcast during replay simply
// queue behind it.
func (h *Hub) replayBuffered(c *connection) {
	if h.buffer == nil {
		return
	}
	items, err := h.buffer.DrainList(c.ctx, cache.BufferKey(c.uid))
	if err != nil {
		h.logger.Warn("drain ws buffer", "uid", c.uid, "error", err)
		return
	}
	for _, item := range items {
		select {
		case c.send <- item:
		case <-c.ctx.Done():
			return
		}
	}
	if len(items) > 0 {
		h.logger.Info("replayed buffered events", "uid", c.uid, "count", len(items))
	}
}

// connection is one websocket attached to the hub. The write pump is the
// only goroutine writing to the socket; everything else goes through the
// send channel.
type connection struct {
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte
	uid    string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// enqueue hands data to the write pump without blocking. A full buffer
// means the client stopped reading: drop the connection rather than stall
// every broadcaster behind it.
func (c *connection) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.shutdown("send buffer overflow")
	}
}

func (c *connection) shutdown(reason string) {
	c.once.Do(func() {
		c.hub.detach(c)
		c.cancel()
		_ = c.ws.Close()
		c.hub.logger.Info("ws disconnected", "uid", c.uid, "reason", reason)
	})
}

func (c *connection) readPump() {
	defer c.shutdown("read loop ended")

	c.ws.SetReadLimit(maxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown("ping failed")
				return
			}
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown("write failed")
				return
			}
		}
	}
}
