package ws

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/noteduco342/whispr-backend/internal/metrics"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/rs/zerolog"
)

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadDeadline(t time.Time) error
	Close() error
}

type frame struct {
	kind int
	data []byte
}

// Client is one registered connection. Only its writer goroutine touches
// conn after registration.
type Client struct {
	ID           string
	Username     string
	conn         Conn
	hub          *Hub
	send         chan frame
	topics       map[string]struct{}
	lastPong     time.Time
	supportsGzip bool
	done         chan struct{}
	closeOnce    sync.Once
}

// Hub fans events out to every client subscribed to a topic. Sends enqueue
// under the hub lock so each client sees a topic's events in call order;
// network writes happen in one writer goroutine per client.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	topics  map[string]map[string]*Client

	sendBuffer   int
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeWait    time.Duration
	gzipMinSize  int

	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
}

type HubOption func(*Hub)

func WithSendBuffer(n int) HubOption {
	return func(h *Hub) { h.sendBuffer = n }
}

func WithKeepalive(pingInterval, pongTimeout time.Duration) HubOption {
	return func(h *Hub) {
		h.pingInterval = pingInterval
		h.pongTimeout = pongTimeout
	}
}

// NewHub creates a new Hub instance and starts its health checker.
func NewHub(logger zerolog.Logger, opts ...HubOption) *Hub {
	hub := &Hub{
		clients:      make(map[string]*Client),
		topics:       make(map[string]map[string]*Client),
		sendBuffer:   256,
		pingInterval: 30 * time.Second,
		pongTimeout:  90 * time.Second,
		writeWait:    10 * time.Second,
		gzipMinSize:  512,
		logger:       logger,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(hub)
	}

	go hub.connectionHealthChecker()
	return hub
}

// Register adds a connection and starts its writer.
func (h *Hub) Register(id, username string, conn Conn, supportsGzip bool) *Client {
	client := &Client{
		ID:           id,
		Username:     username,
		conn:         conn,
		hub:          h,
		send:         make(chan frame, h.sendBuffer),
		topics:       make(map[string]struct{}),
		lastPong:     time.Now(),
		supportsGzip: supportsGzip,
		done:         make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		h.mu.Lock()
		client.lastPong = time.Now()
		h.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))

	h.mu.Lock()
	h.clients[id] = client
	count := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveConnections.Inc()
	go h.writePump(client)

	h.logger.Info().Str("client_id", id).Str("username", username).Int("total", count).Bool("gzip", supportsGzip).Msg("client connected")
	return client
}

// Unregister removes the client from the hub and all its topics. Safe to
// call more than once.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	client, exists := h.clients[id]
	if exists {
		for topic := range client.topics {
			h.removeFromTopic(topic, id)
		}
		delete(h.clients, id)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !exists {
		return
	}
	client.closeOnce.Do(func() { close(client.done) })
	metrics.ActiveConnections.Dec()
	h.logger.Info().Str("client_id", id).Str("username", client.Username).Int("total", count).Msg("client disconnected")
}

// drop unregisters a client the hub gave up on and closes its connection so
// the read loop ends and runs its cleanup.
func (h *Hub) drop(client *Client, reason string) {
	h.logger.Warn().Str("client_id", client.ID).Str("username", client.Username).Str("reason", reason).Msg("dropping client")
	h.Unregister(client.ID)
	_ = client.conn.Close()
}

// Subscribe adds the client to topic. It returns false for unknown clients.
func (h *Hub) Subscribe(id, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[id]
	if !ok {
		return false
	}
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[string]*Client)
		h.topics[topic] = subs
	}
	subs[id] = client
	client.topics[topic] = struct{}{}
	return true
}

func (h *Hub) Unsubscribe(id, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.clients[id]; ok {
		delete(client.topics, topic)
	}
	h.removeFromTopic(topic, id)
}

// UnsubscribeUser removes every connection of username from topics and
// returns how many connections it touched.
func (h *Hub) UnsubscribeUser(username string, topics ...string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	touched := 0
	for id, client := range h.clients {
		if client.Username != username {
			continue
		}
		for _, topic := range topics {
			delete(client.topics, topic)
			h.removeFromTopic(topic, id)
		}
		touched++
	}
	return touched
}

func (h *Hub) removeFromTopic(topic, id string) {
	subs := h.topics[topic]
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// Send delivers payload to every client subscribed to topic.
func (h *Hub) Send(topic string, payload interface{}) error {
	data, err := encodeEvent(topic, payload)
	if err != nil {
		return err
	}

	var zipped []byte
	var slow []*Client

	h.mu.Lock()
	for _, client := range h.topics[topic] {
		f := frame{kind: websocket.TextMessage, data: data}
		if client.supportsGzip && len(data) > h.gzipMinSize {
			if zipped == nil {
				zipped = compressData(data)
			}
			if len(zipped) > 0 && len(zipped) < len(data) {
				f = frame{kind: websocket.BinaryMessage, data: zipped}
			}
		}
		if !client.enqueue(f) {
			slow = append(slow, client)
		}
	}
	h.mu.Unlock()

	metrics.Broadcasts.WithLabelValues(topicKind(topic)).Inc()
	for _, client := range slow {
		h.drop(client, "send buffer full")
	}
	return nil
}

// SendToUser delivers payload on the user's private notification topic.
func (h *Hub) SendToUser(username string, payload interface{}) error {
	return h.Send(models.UserNotificationsTopic(username), payload)
}

// Reply writes payload to a single client, outside any topic.
func (h *Hub) Reply(id string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	client, ok := h.clients[id]
	queued := ok && client.enqueue(frame{kind: websocket.TextMessage, data: data})
	h.mu.RUnlock()

	if ok && !queued {
		h.drop(client, "send buffer full")
	}
	return nil
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close stops the health checker and disconnects every client.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.stop) })

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.Unregister(c.ID)
		_ = c.conn.Close()
	}
}

func (c *Client) enqueue(f frame) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case f := <-client.send:
			if err := client.conn.WriteMessage(f.kind, f.data); err != nil {
				h.logger.Debug().Err(err).Str("client_id", client.ID).Msg("write failed")
				h.drop(client, "write failed")
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeWait)); err != nil {
				h.drop(client, "ping failed")
				return
			}
		}
	}
}

// connectionHealthChecker removes connections that stopped answering pings.
func (h *Hub) connectionHealthChecker() {
	interval := h.pongTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}

		now := time.Now()
		var dead []*Client
		h.mu.RLock()
		for _, client := range h.clients {
			if now.Sub(client.lastPong) > h.pongTimeout {
				dead = append(dead, client)
			}
		}
		h.mu.RUnlock()

		for _, client := range dead {
			h.drop(client, "no pong received")
		}
	}
}

func compressData(data []byte) []byte {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	if _, err := gzipWriter.Write(data); err != nil {
		return nil
	}
	if err := gzipWriter.Close(); err != nil {
		return nil
	}
	return buf.Bytes()
}

// maxInflatedFrame bounds a decompressed client frame.
const maxInflatedFrame = 1 << 20

// DecompressMessage inflates a gzip-compressed client frame.
func DecompressMessage(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxInflatedFrame))
}

func topicKind(topic string) string {
	switch {
	case topic == models.TopicPresence, topic == models.TopicOnlineUsers, topic == models.TopicPublic:
		return topic
	case strings.HasPrefix(topic, "read-receipt."):
		return "read-receipt"
	case strings.HasPrefix(topic, "typing."):
		return "typing"
	case strings.HasPrefix(topic, "user."):
		return "notification"
	case strings.HasSuffix(topic, ".users"):
		return "room-users"
	}
	return "room"
}
