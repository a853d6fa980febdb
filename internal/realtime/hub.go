package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	defaultBufferSize = 64
)

// Message is the JSON frame delivered to clients.
type Message struct {
	Stream string      `json:"stream"`
	Event  string      `json:"event"`
	Data   interface{} `json:"data,omitempty"`
}

// Frame events.
const (
	EventSnapshot = "snapshot"
	EventUpdate   = "update"
	EventError    = "error"
	EventPong     = "pong"
)

// RequestsPayload is the data of an od_requests frame.
type RequestsPayload struct {
	Requests []models.ODRequest  `json:"requests"`
	Counts   models.RequestCounts `json:"counts"`
}

type controlMessage struct {
	Action  string   `json:"action"`
	Streams []string `json:"streams"`
}

// NotificationSource is the ledger side of the bridge.
type NotificationSource interface {
	Subscribe(ctx context.Context, userID string, onChange func([]models.Notification)) (service.Unsubscribe, error)
	SubscribeUnreadCount(ctx context.Context, userID string, onCount func(int)) (service.Unsubscribe, error)
}

// RequestSource is the query side of the bridge.
type RequestSource interface {
	ObserveRequests(ctx context.Context, role models.UserRole, currentUserID string, onChange service.RequestsObserver) (service.Unsubscribe, error)
}

// Hub upgrades authenticated clients to WebSockets and bridges their stream subscriptions.
type Hub struct {
	notifications NotificationSource
	requests      RequestSource
	logger        *zap.Logger
	upgrader      websocket.Upgrader

	mu    sync.Mutex
	conns map[*connection]struct{}
}

// Option customises the hub.
type Option func(*Hub)

// WithAllowedOrigins accepts cross-origin upgrades from the listed origins in addition to
// same-origin and loopback clients.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		allowed := make(map[string]struct{}, len(origins))
		for _, origin := range origins {
			if host := hostWithoutPort(origin); host != "" {
				allowed[host] = struct{}{}
			}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originHost := hostWithoutPort(origin)
			if _, ok := allowed["*"]; ok {
				return true
			}
			if _, ok := allowed[originHost]; ok {
				return true
			}
			return originHost == hostWithoutPort(r.Host) || isLoopback(originHost)
		}
	}
}

// NewHub constructs a realtime hub.
func NewHub(notifications NotificationSource, requests RequestSource, logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		notifications: notifications,
		requests:      requests,
		logger:        logger,
		conns:         make(map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				return originHost == hostWithoutPort(r.Host) || isLoopback(originHost)
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve upgrades the request and subscribes the client to streams on behalf of actor. It blocks
// until the connection closes; every subscription is released on return.
func (h *Hub) Serve(actor models.Actor, streams []string, w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("realtime upgrade failed", zap.String("user_id", actor.UserID), zap.Error(err))
		return
	}

	client := newConnection(h, socket, actor)
	h.mu.Lock()
	h.conns[client] = struct{}{}
	h.mu.Unlock()

	go client.writeLoop()
	for _, stream := range UniqueStreams(streams) {
		client.subscribe(stream)
	}
	client.readLoop()
}

// Connections reports how many clients are connected.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*connection, 0, len(h.conns))
	for client := range h.conns {
		clients = append(clients, client)
	}
	h.mu.Unlock()
	for _, client := range clients {
		client.close()
	}
}

func (h *Hub) remove(client *connection) {
	h.mu.Lock()
	delete(h.conns, client)
	h.mu.Unlock()
}

// bind opens the service subscription behind stream, forwarding every callback to client.
func (h *Hub) bind(ctx context.Context, client *connection, stream string) (service.Unsubscribe, error) {
	actor := client.actor
	var sent bool
	var mu sync.Mutex
	event := func() string {
		mu.Lock()
		defer mu.Unlock()
		if !sent {
			sent = true
			return EventSnapshot
		}
		return EventUpdate
	}

	switch stream {
	case StreamNotifications:
		return h.notifications.Subscribe(ctx, actor.UserID, func(list []models.Notification) {
			client.enqueue(Message{Stream: stream, Event: event(), Data: list})
		})
	case StreamUnreadCount:
		return h.notifications.SubscribeUnreadCount(ctx, actor.UserID, func(count int) {
			client.enqueue(Message{Stream: stream, Event: event(), Data: map[string]int{"unread": count}})
		})
	case StreamODRequests:
		return h.requests.ObserveRequests(ctx, actor.Role, actor.UserID, func(list []models.ODRequest, counts models.RequestCounts) {
			client.enqueue(Message{Stream: stream, Event: event(), Data: RequestsPayload{Requests: list, Counts: counts}})
		})
	}
	return nil, errUnknownStream
}

type connection struct {
	hub    *Hub
	socket *websocket.Conn
	actor  models.Actor
	ctx    context.Context
	cancel context.CancelFunc
	send   chan Message
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]service.Unsubscribe
}

func newConnection(hub *Hub, socket *websocket.Conn, actor models.Actor) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		hub:    hub,
		socket: socket,
		actor:  actor,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan Message, defaultBufferSize),
		done:   make(chan struct{}),
		subs:   make(map[string]service.Unsubscribe),
	}
}

func (c *connection) subscribe(stream string) {
	stream = normalizeStream(stream)
	c.mu.Lock()
	_, exists := c.subs[stream]
	c.mu.Unlock()
	if exists {
		return
	}

	unsubscribe, err := c.hub.bind(c.ctx, c, stream)
	if err != nil {
		c.hub.logger.Warn("realtime subscribe failed", zap.String("stream", stream), zap.String("user_id", c.actor.UserID), zap.Error(err))
		c.enqueue(Message{Stream: stream, Event: EventError, Data: map[string]string{"message": err.Error()}})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		unsubscribe()
		return
	}
	c.subs[stream] = unsubscribe
}

func (c *connection) unsubscribe(stream string) {
	c.mu.Lock()
	unsubscribe, ok := c.subs[normalizeStream(stream)]
	delete(c.subs, normalizeStream(stream))
	c.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

func (c *connection) enqueue(message Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- message:
	case <-c.done:
	default:
		c.hub.logger.Warn("realtime client too slow, disconnecting", zap.String("user_id", c.actor.UserID))
		go c.close()
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("realtime connection closed unexpectedly", zap.String("user_id", c.actor.UserID), zap.Error(err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			c.enqueue(Message{Event: EventError, Data: map[string]string{"message": "invalid control message"}})
			continue
		}
		switch strings.ToLower(strings.TrimSpace(ctrl.Action)) {
		case "subscribe":
			for _, stream := range UniqueStreams(ctrl.Streams) {
				c.subscribe(stream)
			}
		case "unsubscribe":
			for _, stream := range UniqueStreams(ctrl.Streams) {
				c.unsubscribe(stream)
			}
		case "ping":
			c.enqueue(Message{Event: EventPong})
		default:
			c.enqueue(Message{Event: EventError, Data: map[string]string{"message": "unsupported action"}})
		}
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close releases every subscription, then the socket. Safe to call from any goroutine.
func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()

		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for _, unsubscribe := range subs {
			unsubscribe()
		}

		c.hub.remove(c)
		_ = c.socket.Close()
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
