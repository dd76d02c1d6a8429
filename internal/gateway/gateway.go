// Package gateway fans routed app-server events out to connected UI clients
// over a websocket per workspace. It is a thin relay: message framing and
// reconnect/backoff policy live in the UI client, not here.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kandev/codexmux/internal/common/logger"
	"github.com/kandev/codexmux/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway tracks connected websocket clients per workspace and broadcasts
// routed events to every client subscribed to that workspace.
type Gateway struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	log     *logger.Logger
}

type client struct {
	conn *websocket.Conn
	send chan wire.Value
	done chan struct{}
}

// New returns an empty Gateway.
func New(log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Default()
	}
	return &Gateway{clients: make(map[string]map[*client]struct{}), log: log}
}

// Forward implements the callback shape expected by manager.Manager's
// SetEventForwarder.
func (g *Gateway) Forward(workspaceID string, value wire.Value) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for c := range g.clients[workspaceID] {
		select {
		case c.send <- value:
		case <-c.done:
		default:
			g.log.Warn("dropping event for slow websocket client")
		}
	}
}

// ServeWorkspace upgrades the HTTP request to a websocket connection and
// streams that workspace's routed events to it until the client
// disconnects.
func (g *Gateway) ServeWorkspace(workspaceID string, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{conn: conn, send: make(chan wire.Value, 64), done: make(chan struct{})}
	g.addClient(workspaceID, c)
	defer g.removeClient(workspaceID, c)

	go g.readPump(conn, c.done)
	g.writePump(c)
	return nil
}

func (g *Gateway) addClient(workspaceID string, c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clients[workspaceID] == nil {
		g.clients[workspaceID] = make(map[*client]struct{})
	}
	g.clients[workspaceID][c] = struct{}{}
}

func (g *Gateway) removeClient(workspaceID string, c *client) {
	g.mu.Lock()
	delete(g.clients[workspaceID], c)
	if len(g.clients[workspaceID]) == 0 {
		delete(g.clients, workspaceID)
	}
	g.mu.Unlock()
	c.conn.Close()
}

// readPump discards client-to-server traffic, closing done once the
// connection errors or the peer disconnects, which unblocks writePump.
func (g *Gateway) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) writePump(c *client) {
	for {
		select {
		case value := <-c.send:
			data, err := json.Marshal(value)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
