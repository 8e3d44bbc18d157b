// Package ws serves match rooms over websockets. Clients send inputs; the
// hub forwards lifecycle events published by the state machine.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/playmatatu/arbiter/internal/models"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 2 * pingPeriod
	maxMessage = 4096
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by middleware before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller is the part of the state machine a room drives.
type Controller interface {
	ApplyInput(ctx context.Context, userID, matchID string, input json.RawMessage) error
	Disconnect(ctx context.Context, userID, matchID string) error
	Reconnect(ctx context.Context, userID string) (string, error)
}

// Client represents a connected WebSocket client
type Client struct {
	conn    *websocket.Conn
	userID  string
	matchID string
	send    chan []byte
	pingAt  atomic.Int64 // unix nanos of the last protocol ping
}

// Hub maintains the set of active clients
type Hub struct {
	ctl       Controller
	log       *zap.SugaredLogger
	baseCtx   context.Context
	heartbeat func(userID string, rtt time.Duration)

	mu      sync.RWMutex
	clients map[string]*Client            // userID -> Client
	rooms   map[string]map[string]*Client // matchID -> userID -> Client
}

func NewHub(ctl Controller, log *zap.SugaredLogger) *Hub {
	return &Hub{
		ctl:     ctl,
		log:     log.Named("ws"),
		baseCtx: context.Background(),
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

// OnHeartbeat registers fn to receive each measured round trip. It must be
// called before the hub serves connections.
func (h *Hub) OnHeartbeat(fn func(userID string, rtt time.Duration)) {
	h.heartbeat = fn
}

func (h *Hub) observe(userID string, rtt time.Duration) {
	if h.heartbeat != nil && rtt > 0 {
		h.heartbeat(userID, rtt)
	}
}

// Message is a client frame.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Serve upgrades the request and runs the connection until it closes. The
// caller has already checked that userID plays in matchID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID, matchID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("upgrade failed", "user_id", userID, "match_id", matchID, "error", err)
		return
	}

	resumed, reconnectErr := h.ctl.Reconnect(h.baseCtx, userID)
	if reconnectErr == nil && resumed != matchID {
		// The pending grace window belongs to another match.
		h.log.Warnw("reconnect to wrong room", "user_id", userID, "match_id", matchID, "resumed", resumed)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "reconnect belongs to match "+resumed)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		// Nothing is connected to the resumed room, so its grace window reopens.
		if err := h.ctl.Disconnect(h.baseCtx, userID, resumed); err != nil && !errors.Is(err, models.ErrNotFound) {
			h.log.Warnw("disconnect not recorded", "user_id", userID, "match_id", resumed, "error", err)
		}
		return
	}

	c := &Client{conn: conn, userID: userID, matchID: matchID, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go c.writePump(h.log)

	if reconnectErr != nil && !errors.Is(reconnectErr, models.ErrNotDisconnected) {
		h.log.Infow("reconnect refused", "user_id", userID, "match_id", matchID, "error", reconnectErr)
		h.replyError(c, reconnectErr.Error())
	}

	h.readPump(c)

	if h.unregister(c) {
		if err := h.ctl.Disconnect(h.baseCtx, userID, matchID); err != nil && !errors.Is(err, models.ErrNotFound) {
			h.log.Warnw("disconnect not recorded", "user_id", userID, "match_id", matchID, "error", err)
		}
	}
}

// register makes c the user's live connection, closing any previous one.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[c.userID]; ok {
		h.remove(old)
	}
	h.clients[c.userID] = c
	room, ok := h.rooms[c.matchID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[c.matchID] = room
	}
	room[c.userID] = c
	h.log.Infow("client connected", "user_id", c.userID, "match_id", c.matchID, "room_size", len(room))
}

// unregister reports whether c was still the user's live connection. A
// connection replaced by a newer one is not a disconnect.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] != c {
		return false
	}
	h.remove(c)
	h.log.Infow("client disconnected", "user_id", c.userID, "match_id", c.matchID)
	return true
}

// remove must be called with h.mu held.
func (h *Hub) remove(c *Client) {
	delete(h.clients, c.userID)
	if room, ok := h.rooms[c.matchID]; ok {
		delete(room, c.userID)
		if len(room) == 0 {
			delete(h.rooms, c.matchID)
		}
	}
	close(c.send)
}

// deliver sends data to the match room and to userID.
func (h *Hub) deliver(matchID, userID string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	push := func(c *Client) {
		select {
		case c.send <- data:
			sent++
		default:
			h.log.Warnw("send buffer full, dropping message", "user_id", c.userID, "match_id", c.matchID)
		}
	}
	room := h.rooms[matchID]
	for _, c := range room {
		push(c)
	}
	if c, ok := h.clients[userID]; ok && room[userID] != c {
		push(c)
	}
	return sent
}

// RoomSize returns the number of connected clients for a match.
func (h *Hub) RoomSize(matchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[matchID])
}

func (h *Hub) readPump(c *Client) {
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if sent := c.pingAt.Swap(0); sent > 0 {
			h.observe(c.userID, time.Since(time.Unix(0, sent)))
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Infow("read error", "user_id", c.userID, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.replyError(c, "invalid message")
			continue
		}
		switch msg.Type {
		case "input":
			if err := h.ctl.ApplyInput(h.baseCtx, c.userID, c.matchID, msg.Data); err != nil {
				h.replyError(c, err.Error())
			}
		case "ping":
			var beat struct {
				RTTMs int64 `json:"rtt_ms"`
			}
			if len(msg.Data) > 0 && json.Unmarshal(msg.Data, &beat) == nil {
				h.observe(c.userID, time.Duration(beat.RTTMs)*time.Millisecond)
			}
			h.reply(c, map[string]any{"type": "pong"})
		default:
			h.replyError(c, "unknown message type")
		}
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(log *zap.SugaredLogger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Replaced or unregistered; the conn may already be gone.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Infow("write error", "user_id", c.userID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.pingAt.Store(time.Now().UnixNano())
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply sends v to c unless c has already been replaced or removed.
func (h *Hub) reply(c *Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c.userID] != c {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) replyError(c *Client, message string) {
	h.reply(c, map[string]any{"type": "error", "message": message})
}
