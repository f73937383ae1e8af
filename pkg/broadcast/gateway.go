// Package broadcast fans queue and session state transitions out to
// connected websocket clients. Delivery is fire-and-forget: a slow or
// dead client is dropped, never waited on.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	warrenlog "github.com/warren-run/warren/pkg/log"
	"github.com/warren-run/warren/pkg/queue"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 32
)

// Gateway is a websocket hub. It implements queue.Publisher.
type Gateway struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	// group filters delivery; empty subscribes to everything.
	group string
	send  chan []byte
}

// NewGateway creates an empty hub.
func NewGateway() *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The HTTP API is same-host; cross-origin browsers are not
			// a supported client.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Publish sends the event to every subscriber of the group. It never
// blocks: clients whose buffers are full are disconnected.
func (g *Gateway) Publish(group string, ev queue.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		warrenlog.Warn("failed to encode broadcast event", "group", group, "error", err)
		return
	}

	g.mu.Lock()
	var overflow []*client
	for c := range g.clients {
		if c.group != "" && c.group != group {
			continue
		}
		select {
		case c.send <- payload:
		default:
			overflow = append(overflow, c)
		}
	}
	for _, c := range overflow {
		delete(g.clients, c)
	}
	g.mu.Unlock()

	for _, c := range overflow {
		warrenlog.Warn("dropping slow broadcast client", "group", c.group)
		close(c.send)
	}
}

// HandleWS upgrades the request and subscribes the client to the
// group named by the "group" query parameter (empty for all groups).
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		warrenlog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:  conn,
		group: r.URL.Query().Get("group"),
		send:  make(chan []byte, sendBufferSize),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return
	}
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	go g.writePump(c)
	go g.readPump(c)
}

// Close disconnects every client. Publish after Close is a no-op.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.clients = make(map[*client]struct{})
	g.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}

func (g *Gateway) remove(c *client) {
	g.mu.Lock()
	_, present := g.clients[c]
	delete(g.clients, c)
	g.mu.Unlock()
	if present {
		close(c.send)
	}
}

// readPump discards inbound frames; the hub is publish-only. Its job
// is noticing disconnects.
func (g *Gateway) readPump(c *client) {
	defer g.remove(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
