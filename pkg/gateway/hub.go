package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn is one WebSocket connection with its pong bookkeeping. Writes are
// serialized through writeMu; gorilla allows a single concurrent writer.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	userID   string
	lastPong time.Time
}

func newConn(ws *websocket.Conn, now time.Time) *conn {
	return &conn{ws: ws, lastPong: now}
}

func (c *conn) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return errors.New("connection is detached")
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) writePing(deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *conn) closePolicyViolation(reason string) {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.ws.Close()
}

func (c *conn) touchPong(now time.Time) {
	c.mu.Lock()
	c.lastPong = now
	c.mu.Unlock()
}

func (c *conn) pongAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastPong)
}

func (c *conn) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *conn) setUser(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// hub tracks open connections and the user id each one registered.
type hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
	users map[string]*conn
}

func newHub() *hub {
	return &hub{
		conns: make(map[*conn]struct{}),
		users: make(map[string]*conn),
	}
}

func (h *hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

// register binds a user id to a connection, replacing any previous
// connection for that id. The replaced connection stays open but loses its
// user binding.
func (h *hub) register(userID string, c *conn) {
	h.mu.Lock()
	if old, ok := h.users[userID]; ok && old != c {
		old.setUser("")
	}
	h.users[userID] = c
	h.mu.Unlock()
	c.setUser(userID)
}

// remove drops a connection and its user binding.
func (h *hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	if id := c.user(); id != "" && h.users[id] == c {
		delete(h.users, id)
	}
	h.mu.Unlock()
}

// byUser returns the connection registered for a user id.
func (h *hub) byUser(userID string) (*conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.users[userID]
	return c, ok
}

// snapshot returns all connections; iteration happens outside the lock.
func (h *hub) snapshot() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// userIDs returns the registered user ids.
func (h *hub) userIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.users))
	for id := range h.users {
		out = append(out, id)
	}
	return out
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
