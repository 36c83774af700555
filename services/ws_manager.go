package services

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"clinic-chat/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	pingInterval = 10 * time.Second
	pongTimeout  = 15 * time.Second
	sendBuffer   = 64
)

// Frame is the envelope of every socket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type Client struct {
	ID       string // connection id
	UserID   string
	Conn     *websocket.Conn
	Send     chan []byte
	LastPing time.Time

	hub    *Hub
	rooms  map[string]struct{}
	mu     sync.Mutex
	closed bool
}

func NewClient(hub *Hub, id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:       id,
		Conn:     conn,
		Send:     make(chan []byte, sendBuffer),
		LastPing: time.Now(),
		hub:      hub,
		rooms:    make(map[string]struct{}),
	}
}

// enqueue never blocks: a client that cannot keep up loses the frame.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		log.Warn().Str("conn", c.ID).Msg("send buffer full, frame dropped")
		return false
	}
}

func (c *Client) emit(event string, data interface{}) {
	msg, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return
	}
	c.enqueue(msg)
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func UserRoom(userID string) string { return "user:" + userID }

func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }

// Hub tracks live connections, their rooms and which users are online.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	users   map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		users:   make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	log.Debug().Str("conn", c.ID).Msg("client registered")
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		for room := range c.rooms {
			h.leaveLocked(c, room)
		}
		if c.UserID != "" {
			if conns, ok := h.users[c.UserID]; ok {
				delete(conns, c.ID)
				if len(conns) == 0 {
					delete(h.users, c.UserID)
				}
			}
		}
	}
	h.mu.Unlock()
	c.close()
	log.Debug().Str("conn", c.ID).Str("user", c.UserID).Msg("client unregistered")
}

// Authenticate binds the connection to a user and joins its personal room.
func (h *Hub) Authenticate(c *Client, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.UserID != "" && c.UserID != userID {
		if conns, ok := h.users[c.UserID]; ok {
			delete(conns, c.ID)
			if len(conns) == 0 {
				delete(h.users, c.UserID)
			}
		}
		h.leaveLocked(c, UserRoom(c.UserID))
	}
	c.UserID = userID
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]struct{})
	}
	h.users[userID][c.ID] = struct{}{}
	h.joinLocked(c, UserRoom(userID))
}

func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	h.joinLocked(c, room)
	h.mu.Unlock()
}

func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	h.leaveLocked(c, room)
	h.mu.Unlock()
}

func (h *Hub) joinLocked(c *Client, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][c.ID] = c
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// EmitToRoom sends to every member of room except the connection except.
func (h *Hub) EmitToRoom(room, event string, data interface{}, except string) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for id, c := range h.rooms[room] {
		if id != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	return h.deliver(targets, event, data)
}

func (h *Hub) NotifyUser(userID, event string, data interface{}) int {
	return h.EmitToRoom(UserRoom(userID), event, data, "")
}

func (h *Hub) Broadcast(event string, data interface{}) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return h.deliver(targets, event, data)
}

func (h *Hub) deliver(targets []*Client, event string, data interface{}) int {
	if len(targets) == 0 {
		return 0
	}
	msg, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return 0
	}
	sent := 0
	for _, c := range targets {
		if c.enqueue(msg) {
			sent++
		}
	}
	return sent
}

func (h *Hub) EmitNewMessage(conversationID string, msg *models.Message) int {
	return h.EmitToRoom(ConversationRoom(conversationID), "message:new", map[string]interface{}{
		"conversationId": conversationID,
		"message":        msg,
	}, "")
}

func (h *Hub) EmitMessageDeleted(conversationID, messageID string) int {
	return h.EmitToRoom(ConversationRoom(conversationID), "message:deleted", map[string]interface{}{
		"conversationId": conversationID,
		"messageId":      messageID,
	}, "")
}

func (h *Hub) EmitMessageStatus(conversationID, messageID, status string) int {
	return h.EmitToRoom(ConversationRoom(conversationID), "message:status", map[string]interface{}{
		"conversationId": conversationID,
		"messageId":      messageID,
		"status":         status,
	}, "")
}

func (h *Hub) EmitConversationUpdate(conv *models.Conversation) int {
	return h.EmitToRoom(ConversationRoom(conv.ID), "conversation:update", conv, "")
}

func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

func (h *Hub) OnlineUserIDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (h *Hub) OnlineUsersCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
}

// HandleFrame dispatches one client frame.
func (h *Hub) HandleFrame(c *Client, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Debug().Str("conn", c.ID).Msg("invalid frame")
		return
	}
	var p roomPayload
	if len(frame.Data) > 0 {
		_ = json.Unmarshal(frame.Data, &p)
	}

	if frame.Event == "auth" {
		if p.UserID == "" {
			c.emit("auth:failed", map[string]string{"message": "userId is required"})
			return
		}
		h.Authenticate(c, p.UserID)
		c.emit("auth:success", map[string]string{"userId": p.UserID, "connectionId": c.ID})
		return
	}

	if c.UserID == "" {
		c.emit("error", map[string]string{"message": "not authenticated", "event": frame.Event})
		return
	}
	if p.ConversationID == "" {
		return
	}
	room := ConversationRoom(p.ConversationID)

	switch frame.Event {
	case "conversation:join":
		h.Join(c, room)
	case "conversation:leave":
		h.Leave(c, room)
	case "typing:start", "typing:stop":
		h.EmitToRoom(room, frame.Event, map[string]string{
			"conversationId": p.ConversationID,
			"userId":         c.UserID,
		}, c.ID)
	case "message:read":
		h.EmitToRoom(room, "message:read", map[string]interface{}{
			"conversationId": p.ConversationID,
			"messageId":      p.MessageID,
			"userId":         c.UserID,
			"readAt":         time.Now().UTC(),
		}, "")
	default:
		log.Debug().Str("conn", c.ID).Str("event", frame.Event).Msg("unhandled frame")
	}
}

func (c *Client) ReadMessages() {
	defer func() {
		c.hub.Unregister(c)
		c.Conn.Close()
	}()
	for {
		_, msg, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "pong" {
			c.mu.Lock()
			c.LastPing = time.Now()
			c.mu.Unlock()
			continue
		}
		c.hub.HandleFrame(c, msg)
	}
}

func (c *Client) WriteMessages() {
	for msg := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Debug().Err(err).Str("conn", c.ID).Msg("write failed")
			c.Conn.Close()
			break
		}
	}
	// drain until Unregister closes the channel
	for range c.Send {
	}
}

func (c *Client) StartHeartbeat() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		if c.isClosed() {
			return
		}
		c.mu.Lock()
		last := c.LastPing
		c.mu.Unlock()
		if time.Since(last) > pongTimeout {
			log.Info().Str("conn", c.ID).Msg("client timeout, closing connection")
			c.Conn.Close()
			return
		}
		c.enqueue([]byte("ping"))
	}
}
