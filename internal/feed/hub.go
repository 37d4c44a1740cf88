// Package feed pushes committed redemptions out of the process: to the
// student's connected devices over WebSocket, and to Kafka for downstream
// consumers.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"offer-redemption-engine/internal/events"
	"offer-redemption-engine/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// Hub keeps the live WebSocket connections of each student.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	studentID string
	once      sync.Once
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]struct{}),
	}
}

// Serve upgrades the request and streams the student's savings updates
// until the connection drops.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, studentID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return errors.Wrap(err, "websocket upgrade")
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), studentID: studentID}
	if !h.register(c) {
		conn.Close()
		return errors.New("feed is closed")
	}

	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.studentID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.studentID] = set
	}
	set[c] = struct{}{}
	metrics.FeedSubscribers.Inc()
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.studentID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			metrics.FeedSubscribers.Dec()
			if len(set) == 0 {
				delete(h.clients, c.studentID)
			}
		}
	}
	h.mu.Unlock()
	c.close()
}

// Subscribers returns the number of connections open for studentID.
func (h *Hub) Subscribers(studentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[studentID])
}

// Broadcast queues msg for every connection of studentID and returns how
// many accepted it. A connection whose buffer is full is dropped.
func (h *Hub) Broadcast(studentID string, msg []byte) int {
	h.mu.RLock()
	var slow []*client
	sent := 0
	for c := range h.clients[studentID] {
		select {
		case c.send <- msg:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("student_id", studentID).Msg("dropping slow feed client")
		h.unregister(c)
	}
	return sent
}

// HandleEvent is an events.Handler that forwards committed redemptions.
func (h *Hub) HandleEvent(_ context.Context, e events.Event) error {
	data, ok := e.Data.(events.RedemptionCommittedData)
	if !ok {
		return nil
	}
	msg, err := json.Marshal(data.SavingsUpdate())
	if err != nil {
		return errors.Wrap(err, "marshal savings update")
	}
	h.Broadcast(data.Transaction.StudentID, msg)
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		h.unregister(c)
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}

// readPump only services control frames; clients never send data.
func (c *client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
