package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/events"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> Client messages
	MsgTypeEvent     MessageType = "event"
	MsgTypeError     MessageType = "error"
	MsgTypeHeartbeat MessageType = "heartbeat"

	// Client -> Server messages
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
)

// ChannelAll carries every journal event. Per-kind channels are named
// "events:<kind>", e.g. "events:position_closed".
const ChannelAll = "events"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// WSMessage is a WebSocket message.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is a WebSocket client connection. New clients are subscribed to
// ChannelAll.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub fans journal events out to WebSocket clients. It is read-only: client
// messages can only change subscriptions.
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	channels   map[string]map[*Client]bool
	heartbeat  time.Duration
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("ws-hub"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		channels:   make(map[string]map[*Client]bool),
		heartbeat:  30 * time.Second,
		done:       make(chan struct{}),
	}
}

// Run processes registrations until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.dropLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.subscribeLocked(client, ChannelAll)
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(client)
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("id", client.id))

		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

func (h *Hub) dropLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	client.mu.RLock()
	for channel := range client.subscriptions {
		if clients, ok := h.channels[channel]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	client.mu.RUnlock()
}

func (h *Hub) sendHeartbeat() {
	data, _ := json.Marshal(WSMessage{
		Type:      MsgTypeHeartbeat,
		Timestamp: time.Now().UnixMilli(),
	})

	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
	h.mu.RUnlock()
}

// Register hands a client to the hub. It returns false once the hub has
// stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribe subscribes a client to a channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return
	}
	h.subscribeLocked(client, channel)
}

func (h *Hub) subscribeLocked(client *Client, channel string) {
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true

	client.mu.Lock()
	client.subscriptions[channel] = true
	client.mu.Unlock()

	h.logger.Debug("Client subscribed to channel",
		zap.String("client", client.id),
		zap.String("channel", channel))
}

// Unsubscribe unsubscribes a client from a channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}

	client.mu.Lock()
	delete(client.subscriptions, channel)
	client.mu.Unlock()
}

// HandleEvent is an events.Handler streaming each event to ChannelAll and
// to its per-kind channel. A client is sent an event at most once.
func (h *Hub) HandleEvent(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(WSMessage{
		Type:      MsgTypeEvent,
		Channel:   "events:" + string(ev.Kind),
		Data:      data,
		Timestamp: ev.Timestamp.UnixMilli(),
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[*Client]bool)
	for _, channel := range []string{ChannelAll, "events:" + string(ev.Kind)} {
		for client := range h.channels[channel] {
			if sent[client] {
				continue
			}
			sent[client] = true
			select {
			case client.send <- msg:
			default:
				h.logger.Warn("Client buffer full, dropping event",
					zap.String("client", client.id),
					zap.String("kind", string(ev.Kind)))
			}
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a new client.
func NewClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            id,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
	}
}

// ReadPump reads subscription changes until the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("Invalid WebSocket message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case MsgTypeSubscribe:
			c.hub.Subscribe(c, msg.Channel)
		case MsgTypeUnsubscribe:
			c.hub.Unsubscribe(c, msg.Channel)
		default:
			c.reply(MsgTypeError, "read-only stream: only subscribe and unsubscribe are accepted")
		}
	}
}

func (c *Client) reply(t MessageType, text string) {
	data, _ := json.Marshal(text)
	msg, _ := json.Marshal(WSMessage{Type: t, Data: data, Timestamp: time.Now().UnixMilli()})

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// WritePump writes queued messages and pings until the send channel closes.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
