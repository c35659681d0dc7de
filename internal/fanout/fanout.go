// Package fanout implements the cloud daemon's real-time WebSocket push
// (C10): a single process-wide broadcast queue drained by one pump
// goroutine, and an HTTP upgrade endpoint that authenticates each socket
// with a bearer token carrying a user_id and only ever delivers events
// belonging to that user.
package fanout

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one broadcastable occurrence. UserID scopes delivery: only
// sockets authenticated for that user receive it.
type Event struct {
	UserID string
	Type   string // telemetry | access_event | device_status | alert | connection | pong
	Data   map[string]any
}

// envelope is the wire shape written to each socket: the event type merged
// with its data fields at the top level.
func (e Event) envelope() map[string]any {
	env := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		env[k] = v
	}
	env["type"] = e.Type
	return env
}

// Authenticator resolves a bearer token to the user_id it authorizes, or
// ok=false if the token is invalid or expired.
type Authenticator func(token string) (userID string, ok bool)

// Hub owns the broadcast queue and the set of live connections.
type Hub struct {
	auth Authenticator

	queue chan Event

	mu    sync.Mutex
	conns map[*conn]struct{}

	upgrader websocket.Upgrader
}

type conn struct {
	ws     *websocket.Conn
	userID string
	mu     sync.Mutex
}

// QueueSize bounds the broadcast channel; Publish drops the event and logs
// rather than blocking the caller when the queue is full.
const QueueSize = 256

// New constructs a Hub. auth is consulted once per incoming connection at
// upgrade time.
func New(auth Authenticator) *Hub {
	return &Hub{
		auth:  auth,
		queue: make(chan Event, QueueSize),
		conns: make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish enqueues an event for delivery. It never blocks: a full queue
// drops the event and logs, since fan-out delivery has no durability
// guarantee by design.
func (h *Hub) Publish(e Event) {
	select {
	case h.queue <- e:
	default:
		log.Printf("fanout: queue full, dropping %s event for user %s", e.Type, e.UserID)
	}
}

// Run drains the broadcast queue until ctx is canceled. It is the Hub's
// single pump goroutine — all delivery happens here, so per-connection
// writes never race each other.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case e := <-h.queue:
			h.deliver(e)
		}
	}
}

func (h *Hub) deliver(e Event) {
	env := e.envelope()

	h.mu.Lock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.userID == e.UserID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.writeJSON(env); err != nil {
			log.Printf("fanout: write to user %s failed, dropping connection: %v", c.userID, err)
			h.remove(c)
		}
	}
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.ws.Close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.ws.Close()
		delete(h.conns, c)
	}
}

// ServeHTTP upgrades an authenticated request to a WebSocket connection and
// keeps it registered for delivery until it disconnects. The bearer token
// is read from the Authorization header or, failing that, a "token" query
// parameter (browsers cannot set headers on a WebSocket handshake).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	userID, ok := h.auth(token)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("fanout: upgrade failed: %v", err)
		return
	}

	c := &conn{ws: ws, userID: userID}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	if err := c.writeJSON(map[string]any{"type": "connection", "status": "established"}); err != nil {
		h.remove(c)
		return
	}

	go h.readLoop(c)
}

// readLoop discards inbound frames (the protocol is server-push only) and
// answers pings with a pong envelope. It exits, removing the connection,
// when the client disconnects or a read fails.
func (h *Hub) readLoop(c *conn) {
	defer h.remove(c)
	for {
		_, _, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if werr := c.writeJSON(map[string]any{"type": "pong"}); werr != nil {
			return
		}
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return r.URL.Query().Get("token")
}

// MarshalEnvelope is exposed for callers (tests, other packages) that need
// the exact wire bytes an event would produce without going through a live
// socket.
func MarshalEnvelope(e Event) ([]byte, error) {
	return json.Marshal(e.envelope())
}
